package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"engagekit/core"
	"engagekit/points"
)

const usersKey = "ledger:users"

func balanceKey(userID core.UserID) string {
	return fmt.Sprintf("ledger:{%s}:balance", userID)
}

func txsKey(userID core.UserID) string {
	return fmt.Sprintf("ledger:{%s}:txs", userID)
}

// appendKeys are the keys the append script touches. They share the {user}
// hash tag, so the script stays in one cluster slot.
func appendKeys(userID core.UserID) []string {
	return []string{balanceKey(userID), txsKey(userID)}
}

// Compare-and-append. Balances travel as decimal strings so Lua never does
// int64 arithmetic in floating point; the new balance is computed and checked
// on the Go side.
var appendScript = redis.NewScript(`
	local cur = redis.call('HGET', KEYS[1], 'balance')
	if not cur then cur = '0' end
	if cur ~= ARGV[1] then
		return {0, cur}
	end
	redis.call('HSET', KEYS[1], 'balance', ARGV[2], 'last_transaction_id', ARGV[3], 'updated_at', ARGV[4])
	redis.call('LPUSH', KEYS[2], ARGV[5])
	return {1, ARGV[2]}
`)

// Ledger is a points.Ledger on Redis. Each append runs as one Lua script, so
// the transaction list and the balance hash never diverge. The user index is
// a separate key in another slot and is written before the script.
type Ledger struct {
	client *redis.Client
}

func NewLedger(client *redis.Client) *Ledger {
	return &Ledger{client: client}
}

func (l *Ledger) GetBalance(ctx context.Context, user core.UserID) (core.UserBalance, error) {
	vals, err := l.client.HGetAll(ctx, balanceKey(user)).Result()
	if err != nil {
		return core.UserBalance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	return parseBalance(user, vals)
}

func parseBalance(user core.UserID, vals map[string]string) (core.UserBalance, error) {
	b := core.UserBalance{UserID: user, LastTransactionID: vals["last_transaction_id"]}
	if raw, ok := vals["balance"]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return core.UserBalance{}, &core.IntegrityError{UserID: user, Reason: "stored balance is not an integer"}
		}
		b.Balance = n
	}
	if raw, ok := vals["updated_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			b.UpdatedAt = t
		}
	}
	return b, nil
}

func (l *Ledger) AppendTransaction(ctx context.Context, tx core.PointTransaction, expected int64) (core.UserBalance, error) {
	next, err := core.AddSafe(expected, tx.Delta)
	if err != nil || next != tx.BalanceAfter || next < 0 {
		return core.UserBalance{UserID: tx.UserID, Balance: expected}, &core.IntegrityError{UserID: tx.UserID, Reason: "transaction does not match balance"}
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return core.UserBalance{}, fmt.Errorf("encode transaction: %w", err)
	}
	if err := l.client.SAdd(ctx, usersKey, string(tx.UserID)).Err(); err != nil {
		return core.UserBalance{}, fmt.Errorf("failed to index user: %w", err)
	}
	now := time.Now().UTC()
	res, err := appendScript.Run(ctx, l.client,
		appendKeys(tx.UserID),
		strconv.FormatInt(expected, 10),
		strconv.FormatInt(next, 10),
		tx.ID,
		now.Format(time.RFC3339Nano),
		data,
	).Slice()
	if err != nil {
		return core.UserBalance{}, fmt.Errorf("failed to append transaction: %w", err)
	}
	if len(res) != 2 {
		return core.UserBalance{}, errors.New("unexpected result from append script")
	}
	ok, _ := res[0].(int64)
	current, _ := res[1].(string)
	bal, perr := strconv.ParseInt(current, 10, 64)
	if perr != nil {
		return core.UserBalance{}, &core.IntegrityError{UserID: tx.UserID, Reason: "stored balance is not an integer"}
	}
	if ok != 1 {
		return core.UserBalance{UserID: tx.UserID, Balance: bal}, core.ErrBalanceConflict
	}
	return core.UserBalance{UserID: tx.UserID, Balance: bal, LastTransactionID: tx.ID, UpdatedAt: now}, nil
}

func (l *Ledger) History(ctx context.Context, user core.UserID, page core.Page) ([]core.PointTransaction, error) {
	page = page.Normalize()
	start := int64(page.Offset)
	raw, err := l.client.LRange(ctx, txsKey(user), start, start+int64(page.Limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	out := make([]core.PointTransaction, 0, len(raw))
	for _, r := range raw {
		var tx core.PointTransaction
		if err := json.Unmarshal([]byte(r), &tx); err != nil {
			return nil, &core.IntegrityError{UserID: user, Reason: "undecodable transaction: " + err.Error()}
		}
		out = append(out, tx)
	}
	return out, nil
}

func (l *Ledger) Users(ctx context.Context) ([]core.UserID, error) {
	members, err := l.client.SMembers(ctx, usersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	out := make([]core.UserID, len(members))
	for i, m := range members {
		out[i] = core.UserID(m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

var (
	_ points.Ledger     = (*Ledger)(nil)
	_ points.UserLister = (*Ledger)(nil)
)
