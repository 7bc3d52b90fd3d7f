package models

// Local Store table names.
const (
	TableOrders       = "orders"
	TableReceipts     = "receipts"
	TableMenuItems    = "menuItems"
	TableTables       = "tables"
	TableUsers        = "users"
	TableBillRequests = "billRequests"
	TableSyncQueue    = "syncQueue"
)

// SnapshotTables are reference tables refreshed from the server.
var SnapshotTables = []string{TableMenuItems, TableTables, TableUsers}
