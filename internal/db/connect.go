package db

import (
	"fmt"

	sqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ConnectOpts holds MySQL connection parameters.
type ConnectOpts struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

// DSN builds the MySQL DSN for the given connection options. Name may be
// empty for admin connections.
func DSN(opts ConnectOpts) string {
	cfg := sqldriver.NewConfig()
	cfg.User = opts.User
	cfg.Passwd = opts.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	cfg.DBName = opts.Name
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// Connect opens a GORM connection to the configured database. Duplicate-key
// errors are translated so callers can test with errors.Is against
// gorm.ErrDuplicatedKey.
func Connect(opts ConnectOpts) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(DSN(opts)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", opts.Host, opts.Port, opts.Name, err)
	}
	return db, nil
}

// ConnectAdmin opens a GORM connection without selecting a database, used
// for CREATE and DROP DATABASE operations.
func ConnectAdmin(opts ConnectOpts) (*gorm.DB, error) {
	opts.Name = ""
	db, err := gorm.Open(mysql.Open(DSN(opts)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s:%d: %w", opts.Host, opts.Port, err)
	}
	return db, nil
}

// DropDatabase drops the named database if it exists.
func DropDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: drop database %s: %w", name, err)
	}
	return nil
}

// CreateDatabase creates the named database if it doesn't already exist.
func CreateDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", name, err)
	}
	return nil
}
