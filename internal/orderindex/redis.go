package orderindex

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/coinlordd/pear-limit-engine/internal/store"
	"github.com/coinlordd/pear-limit-engine/logger"
	"github.com/coinlordd/pear-limit-engine/models"
)

// Redis keeps one sorted set per direction and a detail hash per pair:
//
//	orders:below:<pair>  zset  score=trigger ratio, member=id
//	orders:above:<pair>  zset
//	orders:data:<pair>   hash  field=id, value=order JSON
//
// It is shared by every process connected to the same store.
type Redis struct {
	st  *store.Store
	log *logger.Entry
}

func NewRedis(st *store.Store) *Redis {
	return &Redis{st: st, log: logger.GetLogger().WithComponent("order_index")}
}

func belowKey(pairID string) string { return "orders:below:" + pairID }
func aboveKey(pairID string) string { return "orders:above:" + pairID }
func dataKey(pairID string) string  { return "orders:data:" + pairID }

func setKey(order models.LimitOrder) string {
	if order.Direction == models.AboveMeansTrigger {
		return aboveKey(order.PairID)
	}
	return belowKey(order.PairID)
}

func exclusive(v float64) string {
	return "(" + strconv.FormatFloat(v, 'g', -1, 64)
}

func (r *Redis) Insert(ctx context.Context, order models.LimitOrder) error {
	if err := order.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("encode order %s: %w", order.ID, err)
	}
	err = r.st.Tx(ctx, func(pipe redis.Pipeliner) error {
		// Drop any previous placement so a direction change leaves no stale entry.
		pipe.ZRem(ctx, r.st.Key(belowKey(order.PairID)), order.ID)
		pipe.ZRem(ctx, r.st.Key(aboveKey(order.PairID)), order.ID)
		pipe.ZAdd(ctx, r.st.Key(setKey(order)), redis.Z{Score: order.TriggerRatio, Member: order.ID})
		pipe.HSet(ctx, r.st.Key(dataKey(order.PairID)), order.ID, string(payload))
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert order %s: %w", order.ID, err)
	}
	return nil
}

func (r *Redis) MatchAt(ctx context.Context, pairID string, ratio float64) ([]models.LimitOrder, error) {
	if err := checkRatio(ratio); err != nil {
		return nil, err
	}
	below, err := r.st.ZRangeByScore(ctx, belowKey(pairID), exclusive(ratio), "+inf")
	if err != nil {
		return nil, fmt.Errorf("scan below orders: %w", err)
	}
	above, err := r.st.ZRangeByScore(ctx, aboveKey(pairID), "-inf", exclusive(ratio))
	if err != nil {
		return nil, fmt.Errorf("scan above orders: %w", err)
	}
	return r.details(ctx, pairID, append(below, above...))
}

func (r *Redis) List(ctx context.Context, pairID string) ([]models.LimitOrder, error) {
	below, err := r.st.ZRange(ctx, belowKey(pairID), 0, -1)
	if err != nil {
		return nil, err
	}
	above, err := r.st.ZRange(ctx, aboveKey(pairID), 0, -1)
	if err != nil {
		return nil, err
	}
	return r.details(ctx, pairID, append(below, above...))
}

func (r *Redis) TopK(ctx context.Context, pairID string, edge models.Edge, k int) ([]models.LimitOrder, error) {
	if k <= 0 {
		return nil, nil
	}
	var (
		ids []string
		err error
	)
	if edge == models.Highest {
		ids, err = r.st.ZRevRange(ctx, aboveKey(pairID), 0, int64(k-1))
	} else {
		ids, err = r.st.ZRange(ctx, belowKey(pairID), 0, int64(k-1))
	}
	if err != nil {
		return nil, err
	}
	return r.details(ctx, pairID, ids)
}

func (r *Redis) Remove(ctx context.Context, pairID, id string) error {
	return r.st.Tx(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.st.Key(belowKey(pairID)), id)
		pipe.ZRem(ctx, r.st.Key(aboveKey(pairID)), id)
		pipe.HDel(ctx, r.st.Key(dataKey(pairID)), id)
		return nil
	})
}

// details resolves ids against the detail hash. Ids whose detail is gone
// were removed concurrently and are skipped.
func (r *Redis) details(ctx context.Context, pairID string, ids []string) ([]models.LimitOrder, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := r.st.HGetMany(ctx, dataKey(pairID), ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.LimitOrder, 0, len(raw))
	for _, b := range raw {
		var o models.LimitOrder
		if err := json.Unmarshal(b, &o); err != nil {
			r.log.WithError(err).WithField("pair", pairID).Warn("skipping undecodable order")
			continue
		}
		out = append(out, o)
	}
	return out, nil
}
