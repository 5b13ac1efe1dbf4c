package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"boostchat/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database for the given driver type.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				status TEXT NOT NULL DEFAULT 'open',
				context_kind TEXT NOT NULL DEFAULT '',
				context_key TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS conversation_participants (
				conversation_id INTEGER NOT NULL,
				user_id TEXT NOT NULL,
				position INTEGER NOT NULL,
				PRIMARY KEY (conversation_id, user_id),
				FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_id INTEGER NOT NULL,
				sender TEXT NOT NULL,
				body TEXT NOT NULL,
				attachments TEXT NOT NULL DEFAULT '[]',
				created_at DATETIME NOT NULL,
				FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, id)`,
			`CREATE TABLE IF NOT EXISTS live_chats (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				requester TEXT NOT NULL,
				subject TEXT NOT NULL,
				assigned_agent TEXT,
				conversation_id INTEGER NOT NULL,
				status TEXT NOT NULL DEFAULT 'waiting',
				created_at DATETIME NOT NULL,
				closed_at DATETIME,
				FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_live_chats_status ON live_chats(status)`,
			`CREATE INDEX IF NOT EXISTS idx_live_chats_requester ON live_chats(requester)`,
			`CREATE TABLE IF NOT EXISTS reports (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				reporter TEXT NOT NULL,
				order_key TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'open',
				conversation_id INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_reports_reporter ON reports(reporter)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				status VARCHAR(20) NOT NULL DEFAULT 'open',
				context_kind VARCHAR(50) NOT NULL DEFAULT '',
				context_key VARCHAR(255) NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS conversation_participants (
				conversation_id BIGINT UNSIGNED NOT NULL,
				user_id VARCHAR(255) NOT NULL,
				position INT NOT NULL,
				PRIMARY KEY (conversation_id, user_id),
				CONSTRAINT fk_participants_conversation FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				conversation_id BIGINT UNSIGNED NOT NULL,
				sender VARCHAR(255) NOT NULL,
				body MEDIUMTEXT NOT NULL,
				attachments TEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_conversation (conversation_id, created_at, id),
				CONSTRAINT fk_messages_conversation FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS live_chats (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				requester VARCHAR(255) NOT NULL,
				subject VARCHAR(255) NOT NULL,
				assigned_agent VARCHAR(255),
				conversation_id BIGINT UNSIGNED NOT NULL,
				status VARCHAR(20) NOT NULL DEFAULT 'waiting',
				created_at DATETIME NOT NULL,
				closed_at DATETIME,
				PRIMARY KEY (id),
				INDEX idx_live_chats_status (status),
				INDEX idx_live_chats_requester (requester),
				CONSTRAINT fk_live_chats_conversation FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS reports (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				reporter VARCHAR(255) NOT NULL,
				order_key VARCHAR(255) NOT NULL DEFAULT '',
				subject VARCHAR(255) NOT NULL,
				status VARCHAR(20) NOT NULL DEFAULT 'open',
				conversation_id BIGINT UNSIGNED NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_reports_reporter (reporter),
				CONSTRAINT fk_reports_conversation FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
