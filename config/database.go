package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"bitbucket.org/mmdatafocus/sales_sync/utils"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

// SetDB replaces the global connection. Tests use it to install a sqlite database.
func SetDB(conn *gorm.DB) {
	db = conn
}

func init() {
	// Cloud Run needs $PORT open quickly, so init never dials the database.
	_ = godotenv.Load()
}

// DBSettings holds the MySQL connection parameters and pool limits.
type DBSettings struct {
	User, Password, Host, Port, Name string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func DBSettingsFromEnv() DBSettings {
	return DBSettings{
		User:            os.Getenv("DB_USER"),
		Password:        os.Getenv("DB_PASSWORD"),
		Host:            os.Getenv("DB_HOST"),
		Port:            os.Getenv("DB_PORT"),
		Name:            os.Getenv("DB_NAME"),
		MaxOpenConns:    utils.IntFromEnv("DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    utils.IntFromEnv("DB_MAX_IDLE_CONNS", 10),
		ConnMaxLifetime: time.Duration(utils.IntFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		ConnMaxIdleTime: time.Duration(utils.IntFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
	}
}

// DSN uses a unix socket when Host is a Cloud SQL path ("/cloudsql/<CONNECTION_NAME>").
func (s DBSettings) DSN() string {
	network, address := "tcp", fmt.Sprintf("%s:%s", s.Host, s.Port)
	if strings.HasPrefix(s.Host, "/cloudsql/") {
		network, address = "unix", s.Host
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true&loc=UTC",
		s.User, s.Password, network, address, s.Name)
}

// ConnectDatabaseWithRetry connects and sets the global DB. It retries forever.
func ConnectDatabaseWithRetry() {
	settings := DBSettingsFromEnv()

	for attempt := 1; ; attempt++ {
		conn, err := gorm.Open(mysql.Open(settings.DSN()), NewGormConfig())
		if err == nil {
			applyPoolSettings(conn, settings)
			InstallPlugins(conn)
			db = conn
			logg.WithField("attempt", attempt).Info("connected to database")
			return
		}

		wait := min(time.Duration(1<<min(attempt, 5))*time.Second, 30*time.Second)
		logg.WithFields(logrus.Fields{"attempt": attempt, "retry_in": wait.String()}).WithError(err).Warn("failed to connect database")
		time.Sleep(wait)
	}
}

func applyPoolSettings(conn *gorm.DB, s DBSettings) {
	sqlDB, err := conn.DB()
	if err != nil || sqlDB == nil {
		return
	}
	if s.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(s.MaxOpenConns)
	}
	if s.MaxIdleConns >= 0 {
		sqlDB.SetMaxIdleConns(s.MaxIdleConns)
	}
	if s.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(s.ConnMaxLifetime)
	}
	if s.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(s.ConnMaxIdleTime)
	}
}

// InstallPlugins adds tracing and owner scoping to a connection.
func InstallPlugins(conn *gorm.DB) {
	if err := conn.Use(otelgorm.NewPlugin()); err != nil {
		logg.WithError(err).Warn("failed to install otelgorm plugin")
	}
	if err := conn.Use(NewOwnerGuardPlugin()); err != nil {
		logg.WithError(err).Warn("failed to install owner guard plugin")
	}
}

// NewGormConfig is shared by the MySQL connection and the sqlite test databases.
func NewGormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(logg, logger.Config{
			Colorful:                  false,
			LogLevel:                  logger.Error,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		}),
		NamingStrategy: schema.NamingStrategy{},
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}
