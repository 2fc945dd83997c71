package primary

import (
	"database/sql"

	"github.com/mattn/go-sqlite3"
)

// SQLiteDriverName is the custom driver name used for the primary store
const SQLiteDriverName = "sqlite3_syncbridge"

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if _, err := conn.Exec("PRAGMA synchronous=NORMAL", nil); err != nil {
				return err
			}
			if _, err := conn.Exec("PRAGMA temp_store=MEMORY", nil); err != nil {
				return err
			}
			// stamp_ms(stamp) extracts unix milliseconds from a packed HLC stamp
			return conn.RegisterFunc("stamp_ms", stampMillis, true)
		},
	})
}

func stampMillis(stamp int64) int64 {
	return int64(uint64(stamp) >> 22)
}
