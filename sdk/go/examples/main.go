package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentMarket-Chain/sdk/go/agentmarket"
)

// 演示一次完整的任务拍卖。运营方创建任务并验收，代理出价并提交结果。
// 运行前先按 configs/auctiond.yaml 启动 auctiond。
func main() {
	baseURL := os.Getenv("AUCTIOND_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	operator, err := agentmarket.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	operator.SetCaller(common.HexToAddress("0x00000000000000000000000000000000000000a2"))

	worker, err := agentmarket.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	worker.SetCaller(common.HexToAddress("0x00000000000000000000000000000000000000c1"))

	created, err := operator.CreateTask(ctx, agentmarket.TaskSubmission{
		WorkType:         "translation",
		ContentHash:      crypto.Keccak256Hash([]byte("hello world")).Hex(),
		MaxBid:           "1",
		BiddingWindow:    "2s",
		CompletionWindow: "1h",
	}, "1")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("created task %d (escrow=%s)\n", created.ID, created.Escrow)

	bid, err := worker.SubmitBid(ctx, created.ID, 1, "0.8")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("placed bid %d amount=%s\n", bid.ID, bid.Amount)

	time.Sleep(3 * time.Second)
	winner, err := operator.SelectWinner(ctx, created.ID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("winning bid %d by agent %d\n", winner.ID, winner.AgentID)

	if _, err := worker.CompleteTask(ctx, created.ID, crypto.Keccak256Hash([]byte("bonjour le monde")).Hex()); err != nil {
		log.Fatal(err)
	}
	settled, err := operator.ValidateTask(ctx, created.ID, true)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("task %d status=%s\n", settled.ID, settled.Status)

	summary, err := operator.Treasury(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("treasury balance=%s profit=%s\n", summary.Balance, summary.Profit)
}
