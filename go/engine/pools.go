// Copyright 2025 Supabase, Inc.
//
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

package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/multigres/odbcx/go/common/handles"
	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/driver"
	"github.com/multigres/odbcx/go/driver/dialect"
	"github.com/multigres/odbcx/go/pools/connpool"
)

// pool looks up a pool. Unknown and closed pools are both a PoolError.
func (e *Engine) pool(id uint64) (*poolEntry, error) {
	p, err := e.pools.Get(handles.ID(id))
	if err != nil {
		return nil, mterrors.Wrap(err, mterrors.Validation, mterrors.CodePool, "pool %d is closed or unknown", id)
	}
	return p, nil
}

func (e *Engine) poolCreate(ctx context.Context, r PoolCreate) (uint64, error) {
	if strings.TrimSpace(r.DSN) == "" {
		return 0, invalidRequest("connection string must not be empty")
	}
	if r.MaxSize <= 0 {
		return 0, invalidRequest("pool size must be positive, got %d", r.MaxSize)
	}
	opts, err := driver.DecodeOptions(r.Options)
	if err != nil {
		return 0, err
	}
	validate := !e.cfg.DisableCheckoutValidation
	if r.ValidateOnCheckout != nil {
		validate = *r.ValidateOnCheckout
	}
	checkoutTimeout := e.cfg.PoolCheckoutTimeout
	if r.CheckoutTimeout > 0 {
		checkoutTimeout = r.CheckoutTimeout
	}

	entry := &poolEntry{dsn: redact(r.DSN)}
	id := e.pools.Insert(entry)
	entry.pool = connpool.NewPool(func(ctx context.Context) (driver.Conn, error) {
		return e.connector.Connect(ctx, r.DSN, opts)
	}, connpool.Config{
		Name:                      fmt.Sprintf("pool-%d", id),
		Capacity:                  r.MaxSize,
		DisableCheckoutValidation: !validate,
		CheckoutTimeout:           checkoutTimeout,
		IdleTimeout:               e.cfg.PoolIdleTimeout,
		MaxLifetime:               e.cfg.PoolMaxLifetime,
		HealthCheckInterval:       e.cfg.PoolHealthCheckInterval,
		Logger:                    e.logger,
		MeterProvider:             e.cfg.MeterProvider,
	})
	if err := entry.pool.Open(ctx); err != nil {
		_, _ = e.pools.Remove(id)
		_ = entry.pool.Close()
		return 0, err
	}
	return uint64(id), nil
}

func (e *Engine) poolCheckout(ctx context.Context, r PoolCheckout) (uint64, error) {
	p, err := e.pool(r.PoolID)
	if err != nil {
		return 0, err
	}
	pc, err := p.pool.Get(ctx)
	if err != nil {
		return 0, err
	}
	return e.addConn(&connEntry{conn: pc.Conn(), poolID: handles.ID(r.PoolID), pooled: pc}), nil
}

// poolRelease returns a connection to its pool. The connection id is
// retired; a later release of the same id does nothing.
func (e *Engine) poolRelease(ctx context.Context, r PoolRelease) error {
	c, err := e.conn(r.ConnID)
	if err != nil {
		if mterrors.HasCode(err, mterrors.CodeInvalidHandle) {
			return nil
		}
		return err
	}
	if c.pooled == nil {
		return invalidRequest("connection %d is not pooled", r.ConnID)
	}
	if _, err := e.conns.Remove(handles.ID(r.ConnID)); err != nil {
		return nil
	}
	e.release(ctx, r.ConnID, true)
	p, err := e.pool(uint64(c.poolID))
	if err != nil {
		return err
	}
	return p.pool.Put(c.pooled)
}

func (e *Engine) poolHealthCheck(ctx context.Context, r PoolHealthCheck) (bool, error) {
	p, err := e.pool(r.PoolID)
	if err != nil {
		return false, err
	}
	return p.pool.HealthCheck(ctx), nil
}

func (e *Engine) poolState(r PoolState) (PoolStateResult, error) {
	p, err := e.pool(r.PoolID)
	if err != nil {
		return PoolStateResult{}, err
	}
	s := p.pool.Stats()
	return PoolStateResult{
		Size:    s.Size,
		Idle:    s.Idle,
		InUse:   s.InUse,
		MaxSize: s.MaxSize,
		Waiting: s.Waiting,
	}, nil
}

// poolClose retires the pool id and every connection id checked out of it
// before closing the connections.
func (e *Engine) poolClose(ctx context.Context, r PoolClose) error {
	p, err := e.pools.Remove(handles.ID(r.PoolID))
	if err != nil {
		return mterrors.Wrap(err, mterrors.Validation, mterrors.CodePool, "pool %d is closed or unknown", r.PoolID)
	}
	for _, c := range e.conns.RemoveFunc(func(c *connEntry) bool { return c.poolID == handles.ID(r.PoolID) }) {
		e.release(ctx, c.id, false)
	}
	e.logger.InfoContext(ctx, "closing pool", "pool", r.PoolID, "dsn", p.dsn)
	return p.pool.Close()
}

// redact masks credentials for logging.
func redact(dsn string) string {
	d, err := dialect.ParseDSN(dsn)
	if err != nil {
		return "?"
	}
	return d.String()
}
