package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"mediagen/internal/domain"
	"mediagen/internal/sqlinline"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres stores snapshots as JSON text through lib/pq. The table is created
// on first use.
type Postgres struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn", domain.ErrInvalidInput)
	}
	return &Postgres{dsn: dsn, openDB: sql.Open}, nil
}

func (p *Postgres) ensureReady(ctx context.Context) error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, sqlinline.QEnsureRequestStates); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func (p *Postgres) Load(ctx context.Context, id string) (*domain.RequestState, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var payload string
	err := p.db.QueryRowContext(ctx, sqlinline.QSelectRequestState, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode([]byte(payload))
}

func (p *Postgres) Save(ctx context.Context, state *domain.RequestState) error {
	if state == nil {
		return nil
	}
	if err := p.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err = p.db.ExecContext(ctx, sqlinline.QUpsertRequestState,
		state.Meta.ID, string(payload), state.Meta.Completed(), state.Meta.CreatedAt)
	return err
}

func (p *Postgres) List(ctx context.Context, filter Filter) ([]*domain.RequestState, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := sqlinline.QListRequestStates
	if filter.ActiveOnly {
		query = sqlinline.QListActiveRequestStates
	}
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.RequestState
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		state, err := decode([]byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
