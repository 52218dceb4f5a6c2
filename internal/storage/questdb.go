package storage

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"candleflow/config"
	"candleflow/internal/metrics"
	"candleflow/logger"
	"candleflow/models"
)

const (
	component    = "storage"
	defaultTable = "candlesticks"
	columns      = "exchange_type, base_asset, quote_asset, timeframe, open_time, close_time, open_price, close_price, low_price, high_price, volume"
)

// DB is the part of *pgxpool.Pool the gateway needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
	Close()
}

// QuestDB stores candlesticks in a deduplicated, month-partitioned WAL table
// through the PostgreSQL wire protocol.
type QuestDB struct {
	db       DB
	table    string
	registry *models.Registry
	log      *logger.Log
}

var _ Gateway = (*QuestDB)(nil)

// BuildConnString renders cfg as a postgres URL.
func BuildConnString(cfg config.QuestDBConfig) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   "/" + cfg.Database,
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	if cfg.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(cfg.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens and pings a connection pool.
func Connect(ctx context.Context, cfg config.QuestDBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, wrap("connect", fmt.Errorf("parse connection string: %w", err))
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, wrap("connect", fmt.Errorf("create pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrap("connect", fmt.Errorf("ping: %w", err))
	}

	logger.GetLogger().WithComponent(component).WithFields(logger.Fields{
		"host":      cfg.Host,
		"port":      cfg.Port,
		"database":  cfg.Database,
		"max_conns": poolCfg.MaxConns,
	}).Info("connected to questdb")
	return pool, nil
}

// NewQuestDB builds the gateway over an open connection. Decoded bars are
// interned in registry.
func NewQuestDB(db DB, registry *models.Registry, table string) *QuestDB {
	if table == "" {
		table = defaultTable
	}
	return &QuestDB{
		db:       db,
		table:    pgx.Identifier{table}.Sanitize(),
		registry: registry,
		log:      logger.GetLogger(),
	}
}

// Open connects with cfg and returns a ready gateway.
func Open(ctx context.Context, cfg config.QuestDBConfig, registry *models.Registry) (*QuestDB, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewQuestDB(pool, registry, cfg.Table), nil
}

func (q *QuestDB) Init(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	exchange_type SYMBOL,
	base_asset SYMBOL,
	quote_asset SYMBOL,
	timeframe SYMBOL,
	open_time TIMESTAMP,
	close_time TIMESTAMP,
	open_price DOUBLE,
	close_price DOUBLE,
	low_price DOUBLE,
	high_price DOUBLE,
	volume DOUBLE
) TIMESTAMP(open_time) PARTITION BY MONTH WAL
DEDUP UPSERT KEYS(open_time, timeframe, exchange_type, base_asset, quote_asset)`, q.table)

	if _, err := q.db.Exec(ctx, ddl); err != nil {
		return wrap("init", err)
	}
	q.log.WithComponent(component).WithFields(logger.Fields{"table": q.table}).Info("schema ready")
	return nil
}

func (q *QuestDB) BulkInsert(ctx context.Context, batches [][]models.Candlestick) error {
	total := models.CountBars(batches)
	if total == 0 {
		return nil
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)", q.table, columns)
	batch := &pgx.Batch{}
	for _, b := range batches {
		for _, c := range b {
			batch.Queue(insert, encodeRow(c).args()...)
		}
	}

	start := time.Now()
	results := q.db.SendBatch(ctx, batch)
	for i := 0; i < total; i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return wrap("bulk insert", fmt.Errorf("row %d of %d: %w", i+1, total, err))
		}
	}
	if err := results.Close(); err != nil {
		return wrap("bulk insert", err)
	}

	logger.LogDuration(q.log.WithComponent(component), "bulk_insert", time.Since(start), logger.Fields{"bars": total, "batches": len(batches)})
	metrics.EmitMetric(q.log, component, "bars_inserted", total, "counter", nil)
	return nil
}

func (q *QuestDB) FetchBetween(ctx context.Context, timeframes []models.Timeframe, from, to time.Time) ([]models.Candlestick, error) {
	if len(timeframes) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(timeframes)+2)
	placeholders := make([]string, 0, len(timeframes))
	for _, tf := range timeframes {
		args = append(args, tf.String())
		placeholders = append(placeholders, "$"+strconv.Itoa(len(args)))
	}
	args = append(args, toStorageTime(from), toStorageTime(to))

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE timeframe IN (%s) AND open_time >= $%d AND open_time < $%d ORDER BY open_time ASC",
		columns, q.table, strings.Join(placeholders, ", "), len(args)-1, len(args),
	)

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("fetch between", err)
	}
	defer rows.Close()

	log := q.log.WithComponent(component)
	var out []models.Candlestick
	for rows.Next() {
		var r row
		if err := rows.Scan(r.scanTargets()...); err != nil {
			return nil, wrap("fetch between", fmt.Errorf("scan: %w", err))
		}
		c, err := decodeRow(r, q.registry)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"timeframe": r.Timeframe,
				"exchange":  r.Exchange,
				"open_time": r.OpenTime,
			}).Warn("skipping undecodable row")
			continue
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("fetch between", err)
	}
	return out, nil
}

func (q *QuestDB) Optimize(ctx context.Context) error {
	start := time.Now()
	if _, err := q.db.Exec(ctx, "VACUUM TABLE "+q.table); err != nil {
		return wrap("optimize", err)
	}
	logger.LogDuration(q.log.WithComponent(component), "optimize", time.Since(start), logger.Fields{"table": q.table})
	return nil
}

func (q *QuestDB) Ping(ctx context.Context) error {
	return wrap("ping", q.db.Ping(ctx))
}

func (q *QuestDB) Close() {
	q.db.Close()
}
