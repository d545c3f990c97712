package store

// Compile-time assertions that both implementations satisfy Store.
var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
