package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/pkg/logger"
)

const mysqlDuplicateEntry = 1062

const (
	insertReceiptSQL = `INSERT INTO tx_receipts (tx_seq, op, event_count, committed_at) VALUES (?, ?, ?, ?)`
	insertEventSQL   = `INSERT INTO event_log
    (id, tx_seq, idx, kind, entity, entity_id, status, op, attrs, occurred_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectEventsSQL = `SELECT id, tx_seq, idx, kind, entity, entity_id, status, op, attrs, occurred_at FROM event_log`
	selectLatestSQL = `SELECT tx_seq, op, event_count, committed_at FROM tx_receipts ORDER BY tx_seq DESC LIMIT 1`
	clearEventsSQL  = `DELETE FROM event_log`
	clearReceiptSQL = `DELETE FROM tx_receipts`
)

// Receipt 是 tx_receipts 表中的一行。
type Receipt struct {
	TxSeq       uint64
	Op          string
	EventCount  int
	CommittedAt time.Time
}

// EventStore 把已提交事务的事件写入 MySQL，并支持按实体回放。
type EventStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewEventStore 连接数据库并执行迁移。
func NewEventStore(ctx context.Context, cfg Config) (*EventStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化事件库失败")
	}
	store := newEventStore(db)
	if err := store.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func newEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db, log: logger.Named("event_store")}
}

// Publish 在一个数据库事务中写入回执与事件。同一事务序号重复投递时直接忽略。
func (s *EventStore) Publish(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	head := batch[0]
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事件写入事务失败")
	}
	if _, err := tx.ExecContext(ctx, insertReceiptSQL, head.TxSeq, head.Op, len(batch), head.Timestamp.UnixMilli()); err != nil {
		_ = tx.Rollback()
		if isDuplicate(err) {
			s.log.Debug("事务回执已存在", slog.Uint64("tx", head.TxSeq))
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事务回执失败")
	}
	for _, evt := range batch {
		attrs, err := encodeAttrs(evt.Attrs)
		if err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码事件属性失败")
		}
		if _, err := tx.ExecContext(ctx, insertEventSQL,
			evt.ID,
			evt.TxSeq,
			evt.Index,
			string(evt.Kind),
			evt.Entity,
			evt.EntityID,
			evt.Status,
			evt.Op,
			attrs,
			evt.Timestamp.UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事件写入事务失败")
	}
	return nil
}

// Query 实现 events.Querier，最新的事件在前。
func (s *EventStore) Query(ctx context.Context, filter events.Filter) ([]events.Event, error) {
	query, args := buildEventQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件失败")
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			evt        events.Event
			kind       string
			attrs      sql.NullString
			occurredAt int64
		)
		if err := rows.Scan(&evt.ID, &evt.TxSeq, &evt.Index, &kind, &evt.Entity, &evt.EntityID, &evt.Status, &evt.Op, &attrs, &occurredAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件失败")
		}
		evt.Kind = events.Kind(kind)
		evt.Timestamp = time.UnixMilli(occurredAt).UTC()
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &evt.Attrs); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码事件属性失败")
			}
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历事件失败")
	}
	return out, nil
}

// LatestReceipt 返回最后写入的事务回执，没有记录时 ok 为 false。
func (s *EventStore) LatestReceipt(ctx context.Context) (Receipt, bool, error) {
	var (
		r           Receipt
		committedAt int64
	)
	err := s.db.QueryRowContext(ctx, selectLatestSQL).
		Scan(&r.TxSeq, &r.Op, &r.EventCount, &committedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事务回执失败")
	}
	r.CommittedAt = time.UnixMilli(committedAt).UTC()
	return r, true, nil
}

// PrepareFreshStart 确认事件库可以承接一个从第 1 号事务开始的引擎。
// 引擎状态只在内存中，库里残留的回执会让新事务因序号冲突被当作重放丢弃，
// 所以发现历史事务时默认拒绝启动；reset 为 true 时先清空两张表。
func (s *EventStore) PrepareFreshStart(ctx context.Context, reset bool) error {
	last, ok, err := s.LatestReceipt(ctx)
	if err != nil || !ok {
		return err
	}
	if !reset {
		return xerrors.New(xerrors.CodeStorageFailure, "事件库中已有历史事务，拒绝在空状态上继续写入",
			xerrors.WithMetadata("last_tx", strconv.FormatUint(last.TxSeq, 10)),
			xerrors.WithMetadata("hint", "更换数据库或设置 events.mysql.reset_on_start"),
		)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启清理事务失败")
	}
	for _, stmt := range []string{clearEventsSQL, clearReceiptSQL} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清空事件库失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交清理事务失败")
	}
	s.log.Warn("已清空历史事件库",
		slog.Uint64("last_tx", last.TxSeq),
		slog.Time("committed_at", last.CommittedAt),
	)
	return nil
}

// Close 关闭底层数据库连接。
func (s *EventStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildEventQuery(filter events.Filter) (string, []any) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	var (
		clauses []string
		args    []any
	)
	if filter.Entity != "" {
		clauses = append(clauses, "entity = ?")
		args = append(args, filter.Entity)
	}
	if filter.EntityID != 0 {
		clauses = append(clauses, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	var b strings.Builder
	b.WriteString(selectEventsSQL)
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	b.WriteString(" ORDER BY tx_seq DESC, idx DESC LIMIT ?")
	args = append(args, limit)
	return b.String(), args
}

func encodeAttrs(attrs map[string]string) (sql.NullString, error) {
	if len(attrs) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}
