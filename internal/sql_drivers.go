package internal

import (
	// database/sql drivers for the watermill-sql event publisher.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)
