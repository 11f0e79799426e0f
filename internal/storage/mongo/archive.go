// Package mongo archives committed engine events as MongoDB documents.
package mongo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/pkg/logger"
)

// Config 描述事件归档的连接参数。
type Config struct {
	URI        string        `json:"uri" yaml:"uri"`
	Database   string        `json:"database" yaml:"database"`
	Collection string        `json:"collection" yaml:"collection"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

// Archive 把事件写入 MongoDB 集合，文档主键即事件 ID。
type Archive struct {
	client  *mongo.Client
	events  *mongo.Collection
	timeout time.Duration
	log     *slog.Logger
}

// Connect 建立连接、检查可用性并创建索引。
func Connect(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.URI == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MongoDB URI 不能为空")
	}
	if cfg.Database == "" {
		cfg.Database = "agentmarket"
	}
	if cfg.Collection == "" {
		cfg.Collection = "events"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MongoDB 失败")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MongoDB")
	}
	a := New(client, cfg.Database, cfg.Collection, cfg.Timeout)
	if err := a.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return a, nil
}

// New 基于已有客户端构造归档。
func New(client *mongo.Client, database, collection string, timeout time.Duration) *Archive {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Archive{
		client:  client,
		events:  client.Database(database).Collection(collection),
		timeout: timeout,
		log:     logger.Named("event_archive"),
	}
}

// EnsureIndexes 创建按实体、类型和事务序号查询所需的索引。
func (a *Archive) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	_, err := a.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "entity", Value: 1}, {Key: "entity_id", Value: 1}, {Key: "tx_seq", Value: -1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "tx_seq", Value: -1}}},
		{Keys: bson.D{{Key: "tx_seq", Value: 1}, {Key: "index", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建事件索引失败")
	}
	return nil
}

// Publish 实现 events.Sink。重复投递的事件因主键冲突被忽略。
func (a *Archive) Publish(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	docs := make([]any, len(batch))
	for i, evt := range batch {
		docs[i] = evt
	}
	_, err := a.events.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !onlyDuplicates(err) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "归档事件失败")
	}
	if err != nil {
		a.log.Debug("跳过重复事件", slog.Uint64("tx", batch[0].TxSeq))
	}
	return nil
}

// Query 实现 events.Querier，最新的事件在前。
func (a *Archive) Query(ctx context.Context, filter events.Filter) ([]events.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	cur, err := a.events.Find(ctx, buildFilter(filter), findOptions(filter))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件归档失败")
	}
	defer cur.Close(ctx)

	var out []events.Event
	if err := cur.All(ctx, &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码事件归档失败")
	}
	return out, nil
}

// Close 断开客户端连接。
func (a *Archive) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	return a.client.Disconnect(ctx)
}

func buildFilter(filter events.Filter) bson.M {
	doc := bson.M{}
	if filter.Entity != "" {
		doc["entity"] = filter.Entity
	}
	if filter.EntityID != 0 {
		doc["entity_id"] = int64(filter.EntityID)
	}
	if filter.Kind != "" {
		doc["kind"] = string(filter.Kind)
	}
	return doc
}

func findOptions(filter events.Filter) *options.FindOptions {
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = 50
	case limit > 500:
		limit = 500
	}
	return options.Find().
		SetSort(bson.D{{Key: "tx_seq", Value: -1}, {Key: "index", Value: -1}}).
		SetLimit(int64(limit))
}

func onlyDuplicates(err error) bool {
	var bulk mongo.BulkWriteException
	if !errors.As(err, &bulk) {
		return mongo.IsDuplicateKeyError(err)
	}
	if bulk.WriteConcernError != nil || len(bulk.WriteErrors) == 0 {
		return false
	}
	for _, we := range bulk.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}
