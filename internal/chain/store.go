package chain

// Table 是带撤销日志的键值表。所有写操作都必须通过 *Tx 完成，
// 事务失败时按相反顺序恢复旧值。读操作要求调用方处于事务内
// 或 Engine.View 回调中。
//
// 存入的值按值拷贝；包含指针字段（如 *big.Int）的值在写入后
// 不得原地修改，应当整体替换。
type Table[K comparable, V any] struct {
	rows map[K]V
}

// NewTable 创建空表。
func NewTable[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{rows: make(map[K]V)}
}

// Get 读取一行。
func (t *Table[K, V]) Get(key K) (V, bool) {
	v, ok := t.rows[key]
	return v, ok
}

// Has 判断键是否存在。
func (t *Table[K, V]) Has(key K) bool {
	_, ok := t.rows[key]
	return ok
}

// Len 返回行数。
func (t *Table[K, V]) Len() int { return len(t.rows) }

// Put 写入一行并记录撤销项。
func (t *Table[K, V]) Put(tx *Tx, key K, value V) {
	prev, existed := t.rows[key]
	tx.journal(func() {
		if existed {
			t.rows[key] = prev
			return
		}
		delete(t.rows, key)
	})
	t.rows[key] = value
}

// Delete 删除一行并记录撤销项。
func (t *Table[K, V]) Delete(tx *Tx, key K) {
	prev, existed := t.rows[key]
	if !existed {
		return
	}
	tx.journal(func() { t.rows[key] = prev })
	delete(t.rows, key)
}

// Seed 在引擎启动前直接写入初始数据，不经过事务。
func (t *Table[K, V]) Seed(key K, value V) {
	t.rows[key] = value
}

// Range 遍历所有行，顺序不确定；fn 返回 false 时停止。
func (t *Table[K, V]) Range(fn func(K, V) bool) {
	for k, v := range t.rows {
		if !fn(k, v) {
			return
		}
	}
}

// Var 是带撤销日志的单值变量。
type Var[T any] struct {
	v T
}

// NewVar 创建变量。
func NewVar[T any](initial T) *Var[T] {
	return &Var[T]{v: initial}
}

// Get 读取当前值。
func (v *Var[T]) Get() T { return v.v }

// Set 写入新值并记录撤销项。
func (v *Var[T]) Set(tx *Tx, value T) {
	prev := v.v
	tx.journal(func() { v.v = prev })
	v.v = value
}

// Sequence 分配从 1 开始的连续编号，编号在事务回滚时一并回收。
type Sequence struct {
	last uint64
}

// Next 分配下一个编号。
func (s *Sequence) Next(tx *Tx) uint64 {
	prev := s.last
	tx.journal(func() { s.last = prev })
	s.last++
	return s.last
}

// Last 返回最后分配的编号，0 表示尚未分配。
func (s *Sequence) Last() uint64 { return s.last }
