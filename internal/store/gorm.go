package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gpuenteallott/pod/pkg/types"
)

// DatabaseConfig holds the relational database settings.
type DatabaseConfig struct {
	Driver          string `yaml:"driver"` // mysql, postgres
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	Charset         string `yaml:"charset"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // seconds
}

// Gorm is the relational Store implementation.
type Gorm struct {
	db *gorm.DB
}

// Open connects to the configured database, migrates the schema and
// returns the store.
func Open(cfg *DatabaseConfig) (*Gorm, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.Charset)
		dialector = mysql.Open(dsn)
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	if err := db.AutoMigrate(
		&types.Activity{},
		&types.Worker{},
		&types.Installation{},
		&types.Policy{},
	); err != nil {
		return nil, err
	}

	return &Gorm{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Gorm) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translateInsert(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (s *Gorm) InsertActivity(ctx context.Context, a *types.Activity) (int64, error) {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return 0, translateInsert(err)
	}
	return a.ID, nil
}

func (s *Gorm) UpdateActivity(ctx context.Context, a *types.Activity) error {
	return s.db.WithContext(ctx).Save(a).Error
}

func (s *Gorm) DeleteActivity(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Delete(&types.Activity{}, id).Error
}

func (s *Gorm) Activity(ctx context.Context, id int64) (*types.Activity, error) {
	var a types.Activity
	err := s.db.WithContext(ctx).First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Gorm) ActivityByName(ctx context.Context, name string) (*types.Activity, error) {
	var a types.Activity
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Gorm) InsertWorker(ctx context.Context, w *types.Worker) (int64, error) {
	if err := s.db.WithContext(ctx).Create(w).Error; err != nil {
		return 0, translateInsert(err)
	}
	return w.ID, nil
}

func (s *Gorm) UpdateWorker(ctx context.Context, w *types.Worker) error {
	return s.db.WithContext(ctx).Save(w).Error
}

func (s *Gorm) DeleteWorker(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Delete(&types.Worker{}, id).Error
}

func (s *Gorm) Worker(ctx context.Context, id int64) (*types.Worker, error) {
	var w types.Worker
	err := s.db.WithContext(ctx).First(&w, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Gorm) Workers(ctx context.Context) ([]*types.Worker, error) {
	var out []*types.Worker
	err := s.db.WithContext(ctx).Find(&out).Error
	return out, err
}

func (s *Gorm) WorkersByStatus(ctx context.Context, status types.WorkerStatus) ([]*types.Worker, error) {
	var out []*types.Worker
	err := s.db.WithContext(ctx).Where("status = ?", status).Find(&out).Error
	return out, err
}

func (s *Gorm) CountWorkers(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&types.Worker{}).Count(&count).Error
	return int(count), err
}

func (s *Gorm) ReadyWorkerFor(ctx context.Context, activityID int64) (*types.Worker, error) {
	var w types.Worker
	err := s.db.WithContext(ctx).
		Joins("JOIN installations ON installations.worker_id = workers.id").
		Where("installations.activity_id = ? AND installations.status = ? AND workers.status = ?",
			activityID, types.InstallationInstalled, types.WorkerReady).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Gorm) InsertInstallation(ctx context.Context, ins *types.Installation) (int64, error) {
	if err := s.db.WithContext(ctx).Create(ins).Error; err != nil {
		return 0, translateInsert(err)
	}
	return ins.ID, nil
}

func (s *Gorm) UpdateInstallation(ctx context.Context, ins *types.Installation) error {
	return s.db.WithContext(ctx).Save(ins).Error
}

func (s *Gorm) Installation(ctx context.Context, activityID, workerID int64) (*types.Installation, error) {
	var ins types.Installation
	err := s.db.WithContext(ctx).
		Where("activity_id = ? AND worker_id = ?", activityID, workerID).
		First(&ins).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ins, nil
}

func (s *Gorm) InstallationsByActivity(ctx context.Context, activityID int64) ([]*types.Installation, error) {
	var out []*types.Installation
	err := s.db.WithContext(ctx).Where("activity_id = ?", activityID).Find(&out).Error
	return out, err
}

func (s *Gorm) DeleteInstallationsByActivity(ctx context.Context, activityID int64) error {
	return s.db.WithContext(ctx).
		Where("activity_id = ?", activityID).
		Delete(&types.Installation{}).Error
}

func (s *Gorm) InstalledActivityIDs(ctx context.Context, workerID int64) ([]int64, error) {
	var out []int64
	err := s.db.WithContext(ctx).
		Model(&types.Installation{}).
		Where("worker_id = ? AND status = ?", workerID, types.InstallationInstalled).
		Pluck("activity_id", &out).Error
	return out, err
}

func (s *Gorm) InsertPolicy(ctx context.Context, p *types.Policy) (int64, error) {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return 0, translateInsert(err)
	}
	return p.ID, nil
}

func (s *Gorm) UpdatePolicy(ctx context.Context, p *types.Policy) error {
	return s.db.WithContext(ctx).Save(p).Error
}

func (s *Gorm) DeletePolicyByName(ctx context.Context, name string) (bool, error) {
	res := s.db.WithContext(ctx).Where("name = ?", name).Delete(&types.Policy{})
	return res.RowsAffected > 0, res.Error
}

func (s *Gorm) PolicyByName(ctx context.Context, name string) (*types.Policy, error) {
	var p types.Policy
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Gorm) ActivePolicy(ctx context.Context) (*types.Policy, error) {
	var p types.Policy
	err := s.db.WithContext(ctx).Where("active = ?", true).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Gorm) Policies(ctx context.Context) ([]*types.Policy, error) {
	var out []*types.Policy
	err := s.db.WithContext(ctx).Find(&out).Error
	return out, err
}

func (s *Gorm) DeactivatePolicies(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Model(&types.Policy{}).
		Where("active = ?", true).
		Update("active", false).Error
}
