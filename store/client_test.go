// Copyright 2025 UHDSlave
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewFromRedis(rdb)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestGetSetRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, c.SetEX(ctx, "k", "v", time.Minute))
	val, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", val)
}

func TestJSONRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	type record struct {
		UserID   string `json:"user_id"`
		Username string `json:"username"`
	}

	in := record{UserID: "U1", Username: "alice"}
	require.NoError(t, c.SetJSON(ctx, TokenMapKey("T1"), in, TokenMapTTL))

	var out record
	found, err := c.GetJSON(ctx, TokenMapKey("T1"), &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, in, out)

	found, err = c.GetJSON(ctx, TokenMapKey("T2"), &out)
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetJSONMalformed(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetEX(ctx, "bad", "{not json", time.Minute))
	var out map[string]string
	_, err := c.GetJSON(ctx, "bad", &out)
	require.Error(t, err)
}

func TestIncrByWithTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	n, err := c.IncrByWithTTL(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = c.IncrByWithTTL(ctx, "counter", 5, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(6), n)

	require.Greater(t, mr.TTL("counter"), time.Duration(0))
}

func TestDecrByMissingKey(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	// Decrement of a missing mirror is tolerated: it creates the key and
	// leaves a negative value behind.
	n, err := c.DecrBy(ctx, "remain:req:ip:1.1.1.1:daily", 1)
	require.NoError(t, err)
	require.Equal(t, int64(-1), n)
}

func TestScanPattern(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, k := range []string{
		ActiveSessionKey("U1", "P1"),
		ActiveSessionKey("U1", "P2"),
		ActiveSessionKey("U2", "P3"),
	} {
		require.NoError(t, c.SetEX(ctx, k, "{}", time.Minute))
	}

	keys, err := c.ScanPattern(ctx, ActiveSessionPattern("U1"), 0)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	count, err := c.CountPattern(ctx, "active_session:*")
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestScanPatternLimit(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, c.SetEX(ctx, QuotaKey(QuotaRequests, DimIP, string(rune('a'+i)), PeriodDaily, "2026-08-06"), "1", time.Minute))
	}

	keys, err := c.ScanPattern(ctx, QuotaPattern(QuotaRequests), 5)
	require.NoError(t, err)
	require.Len(t, keys, 5)
}

func TestGetIntsTornPairs(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetEX(ctx, "a", "10", time.Minute))
	require.NoError(t, c.SetEX(ctx, "c", "oops", time.Minute))

	vals, err := c.GetInts(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.NotNil(t, vals["a"])
	require.Equal(t, int64(10), *vals["a"])
	require.Nil(t, vals["b"])
	require.Nil(t, vals["c"])
}

func TestSetEXBatch(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	entries := map[string]string{
		RemainKey(QuotaRequests, DimUser, "U1", PeriodDaily):   "100",
		RemainKey(QuotaBandwidth, DimUser, "U1", PeriodDaily):  "1000000",
		RemainKey(QuotaRequests, DimUser, "U1", PeriodMonthly): "5000",
	}
	require.NoError(t, c.SetEXBatch(ctx, entries, RemainTTL))

	for k, want := range entries {
		got, found, err := c.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, want, got)
		require.Greater(t, mr.TTL(k), time.Duration(0))
	}
}

func TestExistsExpireDel(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetEX(ctx, "k", "v", time.Minute))

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	refreshed, err := c.Expire(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.True(t, refreshed)

	refreshed, err = c.Expire(ctx, "gone", time.Hour)
	require.NoError(t, err)
	require.False(t, refreshed)

	require.NoError(t, c.Del(ctx, "k"))
	ok, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}
