package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/jessevdk/go-flags"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ksqlite/ksqlite-go"
)

type options struct {
	DB                 string        `short:"d" long:"db" env:"DB_PATH" description:"database file" default:"stress_test.db"`
	Backend            string        `short:"b" long:"backend" env:"KSQLITE_BACKEND" description:"native backend" choice:"modernc" choice:"shared" default:"modernc"`
	Lib                string        `long:"lib" env:"KSQLITE_LIB_PATH" description:"shared sqlite library, implies shared backend"`
	Workers            int           `short:"w" long:"workers" env:"NUM_WORKERS" description:"concurrent stress workers" default:"10"`
	MaxOpenConns       int           `long:"max-open" description:"max open pool connections, 0 is unlimited" default:"0"`
	BusyTimeout        int           `long:"busy-timeout" description:"busy timeout in milliseconds" default:"5000"`
	Duration           time.Duration `long:"duration" description:"how long to run, 0 runs until interrupted" default:"30s"`
	CheckpointInterval time.Duration `long:"checkpoint-interval" env:"CHECKPOINT_INTERVAL" description:"wal checkpoint interval" default:"1s"`
	IntegrityInterval  time.Duration `long:"integrity-interval" description:"integrity check interval" default:"30s"`
	StatsInterval      time.Duration `long:"stats-interval" description:"stats report interval" default:"5s"`
	Dbg                bool          `long:"dbg" description:"debug mode, logs every statement"`
}

// Record is the stress table model
type Record struct {
	ID        uint      `gorm:"primarykey"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
	Name      string `gorm:"index"`
	Value     int
	Data      string
}

// Stats tracking
type Stats struct {
	Inserts     atomic.Int64
	Updates     atomic.Int64
	Deletes     atomic.Int64
	Selects     atomic.Int64
	Busy        atomic.Int64
	Errors      atomic.Int64
	Checkpoints atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("inserts: %d, updates: %d, deletes: %d, selects: %d, checkpoints: %d, busy: %d, errors: %d",
		s.Inserts.Load(), s.Updates.Load(), s.Deletes.Load(), s.Selects.Load(),
		s.Checkpoints.Load(), s.Busy.Load(), s.Errors.Load())
}

type stresser struct {
	opts  options
	db    *gorm.DB
	stats Stats

	checkpointMu sync.Mutex
	// workers hold a read lock, integrity check takes the write lock
	pauseMu sync.RWMutex
}

// statementLogger sends gorm traces to the standard logger with the worker id
type statementLogger struct{}

type contextKey string

const workerIDKey contextKey = "worker_id"

func (l statementLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface { return l }
func (l statementLogger) Info(_ context.Context, msg string, data ...interface{}) {
	log.Printf("[INFO] "+msg, data...)
}
func (l statementLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	log.Printf("[WARN] "+msg, data...)
}
func (l statementLogger) Error(_ context.Context, msg string, data ...interface{}) {
	log.Printf("[ERROR] "+msg, data...)
}
func (l statementLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	sql, rows := fc()
	worker := "main"
	if id := ctx.Value(workerIDKey); id != nil {
		worker = fmt.Sprintf("worker-%v", id)
	}
	elapsed := float64(time.Since(begin).Nanoseconds()) / 1e6
	if err != nil {
		log.Printf("[DEBUG] [%s] [%.3fms] [rows:%d] [ERROR: %v] %s", worker, elapsed, rows, err, sql)
		return
	}
	log.Printf("[DEBUG] [%s] [%.3fms] [rows:%d] %s", worker, elapsed, rows, sql)
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		os.Exit(1)
	}
	setupLog(opts.Dbg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if opts.Duration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, opts.Duration)
		defer cancelTimeout()
	}

	err := run(ctx, opts)
	reg := ksqlite.DefaultRegistry()
	regStats := reg.Stats()
	log.Printf("[INFO] statements acquired %d, released %d, live %d", regStats.Acquired, regStats.Released, regStats.Live)
	if shutErr := reg.Shutdown(); shutErr != nil {
		log.Printf("[WARN] shutdown: %v", shutErr)
	}
	if err != nil {
		log.Printf("[ERROR] stress failed, %v", err)
		os.Exit(1)
	}
}

func dsn(opts options) string {
	res := fmt.Sprintf("%s?_busy_timeout=%d", opts.DB, opts.BusyTimeout)
	if opts.Lib != "" {
		return res + "&lib=" + opts.Lib
	}
	return res + "&backend=" + opts.Backend
}

func run(ctx context.Context, opts options) error {
	var gormLog gormlogger.Interface = gormlogger.Default.LogMode(gormlogger.Silent)
	if opts.Dbg {
		gormLog = statementLogger{}
	}
	db, err := gorm.Open(sqlite.Dialector{DriverName: ksqlite.DriverName, DSN: dsn(opts)}, &gorm.Config{Logger: gormLog})
	if err != nil {
		return fmt.Errorf("can't open %s: %w", opts.DB, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("can't get sql.DB: %w", err)
	}
	defer sqlDB.Close()
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return fmt.Errorf("can't set journal mode: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("can't migrate: %w", err)
	}
	log.Printf("[INFO] database %s, %d workers, checkpoint every %v", opts.DB, opts.Workers, opts.CheckpointInterval)

	s := &stresser{opts: opts, db: db}
	background := []func(context.Context){s.checkpointWorker, s.statsReporter, s.integrityWorker}
	wg := syncs.NewErrSizedGroup(opts.Workers + len(background))
	for _, fn := range background {
		wg.Go(func() error {
			fn(ctx)
			return nil
		})
	}
	for i := 0; i < opts.Workers; i++ {
		wg.Go(func() error {
			s.worker(ctx, i)
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return err
	}

	log.Printf("[INFO] finished, %s", &s.stats)
	corrupted, err := s.integrityCheck()
	if err != nil {
		return err
	}
	if corrupted {
		return errors.New("database corruption detected")
	}
	return nil
}

func (s *stresser) checkpointWorker(ctx context.Context) {
	ticker := time.NewTicker(s.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkpoint(); err != nil {
				log.Printf("[WARN] checkpoint, %v", err)
				s.count(err)
				continue
			}
			s.stats.Checkpoints.Add(1)
		}
	}
}

func (s *stresser) checkpoint() error {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()
	modes := []string{"TRUNCATE", "RESTART", "FULL", "PASSIVE"}
	mode := modes[rand.Intn(len(modes))]
	log.Printf("[DEBUG] checkpoint %s", mode)
	return s.db.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)).Error
}

func (s *stresser) statsReporter(ctx context.Context) {
	ticker := time.NewTicker(s.opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("[INFO] %s", &s.stats)
		}
	}
}

func (s *stresser) integrityWorker(ctx context.Context) {
	ticker := time.NewTicker(s.opts.IntegrityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			corrupted, err := s.integrityCheck()
			if err != nil {
				log.Printf("[WARN] integrity check, %v", err)
				s.count(err)
				continue
			}
			if corrupted {
				log.Fatalf("[ERROR] database corruption detected, exiting")
			}
		}
	}
}

// integrityCheck pauses every worker and checks the file through a separate,
// non-pooled connection.
func (s *stresser) integrityCheck() (corrupted bool, err error) {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	conn, err := ksqlite.OpenDSN(dsn(s.opts))
	if err != nil {
		return false, err
	}
	defer conn.Close()
	rows, err := conn.Fetch("PRAGMA integrity_check", nil)
	if err != nil {
		return false, err
	}
	if len(rows) == 1 && rows[0]["integrity_check"].String() == "ok" {
		log.Printf("[DEBUG] integrity check passed")
		return false, nil
	}
	for _, r := range rows {
		log.Printf("[ERROR] integrity: %s", r["integrity_check"])
	}
	return true, nil
}

func (s *stresser) worker(ctx context.Context, id int) {
	type op struct {
		weight int
		fn     func(context.Context, *rand.Rand) error
	}
	ops := []op{{20, s.insert}, {15, s.update}, {5, s.delete}, {10, s.selectSome}, {50, s.bulk}}
	var weighted []func(context.Context, *rand.Rand) error
	for _, o := range ops {
		for j := 0; j < o.weight; j++ {
			weighted = append(weighted, o.fn)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	wctx := context.WithValue(ctx, workerIDKey, id)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[DEBUG] worker %d stopped", id)
			return
		default:
		}
		s.pauseMu.RLock()
		err := weighted[rng.Intn(len(weighted))](wctx, rng)
		s.pauseMu.RUnlock()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.count(err)
		}
		time.Sleep(time.Duration(1+rng.Intn(10)) * time.Millisecond)
	}
}

// count records a failed operation, lock contention is tracked apart from real errors
func (s *stresser) count(err error) {
	if errors.Is(err, ksqlite.ErrBusy) {
		s.stats.Busy.Add(1)
		return
	}
	s.stats.Errors.Add(1)
	log.Printf("[WARN] %v", err)
}

func (s *stresser) insert(ctx context.Context, rng *rand.Rand) error {
	record := Record{Name: fmt.Sprintf("record_%d", rng.Int63()), Value: rng.Intn(10000), Data: randomString(rng, 100)}
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error { return tx.Create(&record).Error }); err != nil {
		return err
	}
	s.stats.Inserts.Add(1)
	return nil
}

func (s *stresser) update(ctx context.Context, rng *rand.Rand) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Record
		if err := tx.First(&record, rng.Intn(100000)+1).Error; err != nil {
			return err
		}
		record.Value = rng.Intn(10000)
		record.Data = randomString(rng, 100)
		return tx.Save(&record).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.stats.Updates.Add(1)
	return nil
}

func (s *stresser) delete(ctx context.Context, rng *rand.Rand) error {
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Record{}, rng.Intn(100000)+1)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return err
	}
	s.stats.Deletes.Add(affected)
	return nil
}

func (s *stresser) selectSome(ctx context.Context, rng *rand.Rand) error {
	ids := make([]int, 10)
	for i := range ids {
		ids[i] = rng.Intn(100000) + 1
	}
	var records []Record
	if err := s.db.WithContext(ctx).Find(&records, ids).Error; err != nil {
		return err
	}
	s.stats.Selects.Add(1)
	return nil
}

func (s *stresser) bulk(ctx context.Context, rng *rand.Rand) error {
	records := make([]Record, 100)
	for i := range records {
		records[i] = Record{Name: fmt.Sprintf("bulk_%d_%d", rng.Int63(), i), Value: rng.Intn(10000), Data: randomString(rng, 100)}
	}
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error { return tx.Create(&records).Error }); err != nil {
		return err
	}
	s.stats.Inserts.Add(int64(len(records)))
	return nil
}

func randomString(rng *rand.Rand, n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rng.Intn(len(letters))]
	}
	return string(b)
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.Msec, lgr.LevelBraces}
	}
	colorizer := lgr.Mapper{
		ErrorFunc: func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:  func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:  func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc: func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		TimeFunc:  func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer), lgr.Err(io.Discard))
	lgr.SetupStdLogger(logOpts...)
}
