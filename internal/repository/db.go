package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("not found")

// DBTX *sql.DB 与 *sql.Tx 的公共子集
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// TxBeginner 可开启事务的连接
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Clock 可注入的时间源
type Clock func() time.Time

// SystemClock 当前 UTC 时间
func SystemClock() time.Time { return time.Now().UTC() }

// Tx 一次事件分发使用的事务；提交成功后按注册顺序执行回调
type Tx struct {
	*sql.Tx
	hooks  []func(context.Context)
	closed bool
}

// BeginTx 开启事务
func BeginTx(ctx context.Context, db TxBeginner) (*Tx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{Tx: tx}, nil
}

// AfterCommit 注册提交后回调；事务回滚时回调被丢弃
func (t *Tx) AfterCommit(fn func(context.Context)) {
	t.hooks = append(t.hooks, fn)
}

// Commit 提交并执行回调
func (t *Tx) Commit(ctx context.Context) error {
	if t.closed {
		return sql.ErrTxDone
	}
	t.closed = true
	if err := t.Tx.Commit(); err != nil {
		t.hooks = nil
		return err
	}
	hooks := t.hooks
	t.hooks = nil
	for _, fn := range hooks {
		fn(ctx)
	}
	return nil
}

// Rollback 回滚；对已结束的事务无副作用
func (t *Tx) Rollback() error {
	t.hooks = nil
	if t.closed {
		return nil
	}
	t.closed = true
	return t.Tx.Rollback()
}

// Savepoint 在保存点内执行 fn；fn 出错时回滚到保存点，外层事务可以继续使用
func (t *Tx) Savepoint(ctx context.Context, name string, fn func() error) error {
	if _, err := t.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rerr := t.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rerr != nil {
			return fmt.Errorf("failed to roll back to savepoint %s: %v: %w", name, rerr, err)
		}
		return err
	}
	if _, err := t.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint %s: %w", name, err)
	}
	return nil
}

// Closed 事务是否已提交或回滚
func (t *Tx) Closed() bool {
	return t.closed
}

// TruncateError 截断错误文本，保证不切断 UTF-8 字符
func TruncateError(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
