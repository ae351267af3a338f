package session

import "database/sql"

// NewPostgresStore はPostgreSQLのkv_storeテーブルをバックエンドとするStoreを生成する。
// テーブルはdatabaseパッケージのマイグレーションで作成される。
// dbの所有権は呼び出し元に残る。
func NewPostgresStore(db *sql.DB, opts Options) *SQLStore {
	return newSQLStore(db, postgresQueries, opts, false)
}
