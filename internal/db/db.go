package db

import (
	"log"
	"strings"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/arkchat/arkchat/internal/chat"
)

// Connect opens the database and migrates the chat schema. A file: or
// :memory: DSN selects sqlite, anything else is treated as a MySQL DSN.
func Connect(dsn string) *gorm.DB {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, ":memory:") {
		dialector = gormsqlite.Open(dsn)
	} else {
		dialector = mysql.Open(dsn)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}

	if err := gdb.AutoMigrate(&chat.Session{}, &chat.Message{}, &chat.Job{}); err != nil {
		log.Fatalf("db automigrate: %v", err)
	}
	return gdb
}
