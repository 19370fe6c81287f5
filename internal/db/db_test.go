package db

import (
	"strings"
	"testing"

	"gorm.io/gorm"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		opts ConnectOpts
		want string
	}{
		{
			name: "default local",
			opts: ConnectOpts{Host: "127.0.0.1", Port: 3306, User: "root", Name: "hookline"},
			want: "root@tcp(127.0.0.1:3306)/hookline?parseTime=true",
		},
		{
			name: "custom host and port",
			opts: ConnectOpts{Host: "10.0.0.5", Port: 3307, User: "root", Name: "hookline_dev"},
			want: "root@tcp(10.0.0.5:3307)/hookline_dev?parseTime=true",
		},
		{
			name: "with password",
			opts: ConnectOpts{Host: "mysql.vpc.internal", Port: 3306, User: "hookline", Password: "s3cret", Name: "hookline"},
			want: "hookline:s3cret@tcp(mysql.vpc.internal:3306)/hookline?parseTime=true",
		},
		{
			name: "admin without database",
			opts: ConnectOpts{Host: "127.0.0.1", Port: 3306, User: "root"},
			want: "root@tcp(127.0.0.1:3306)/?parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.opts)
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDSN_ParseTimeFlag(t *testing.T) {
	dsn := DSN(ConnectOpts{Host: "localhost", Port: 3306, User: "root", Name: "test"})
	if !strings.Contains(dsn, "parseTime=true") {
		t.Errorf("DSN missing parseTime=true: %s", dsn)
	}
}

func TestConnect_Signature(t *testing.T) {
	// Connect requires a running MySQL server; integration tests cover the
	// real handshake. Verify the signatures compile here.
	var fn func(ConnectOpts) (*gorm.DB, error) = Connect
	if fn == nil {
		t.Fatal("Connect function is nil")
	}
	var admin func(ConnectOpts) (*gorm.DB, error) = ConnectAdmin
	if admin == nil {
		t.Fatal("ConnectAdmin function is nil")
	}
}

func TestAllModels_Count(t *testing.T) {
	models := AllModels()
	if len(models) != 7 {
		t.Errorf("AllModels() returned %d models, want 7", len(models))
	}
}

func TestConnect_Error(t *testing.T) {
	// Port 1 is unlikely to have a MySQL server; expect connection error.
	_, err := Connect(ConnectOpts{Host: "127.0.0.1", Port: 1, User: "root", Name: "nonexistent"})
	if err == nil {
		t.Fatal("expected error connecting to invalid port")
	}
	if !strings.Contains(err.Error(), "db: connect to") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "db: connect to")
	}
}

func TestConnectAdmin_Error(t *testing.T) {
	_, err := ConnectAdmin(ConnectOpts{Host: "127.0.0.1", Port: 1, User: "root"})
	if err == nil {
		t.Fatal("expected error connecting to invalid port")
	}
	if !strings.Contains(err.Error(), "db: admin connect to") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "db: admin connect to")
	}
}
