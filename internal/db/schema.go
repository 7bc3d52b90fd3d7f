package db

import (
	"github.com/kimhsiao/posync/internal/models"
)

// Index maps a named secondary index to its SQL column and the JSON field
// of the record document it is populated from.
type Index struct {
	Name   string
	Column string
	Field  string
}

// TableDef describes one Local Store table.
type TableDef struct {
	Name    string
	SQLName string
	Indexes []Index
}

func (t TableDef) index(name string) (Index, bool) {
	for _, idx := range t.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// Index names shared by several tables.
const (
	IndexIsOffline = "isOffline"
	IndexServerID  = "serverId"
	IndexStatus    = "status"
	IndexTableID   = "tableId"
	IndexOrderID   = "orderId"
	IndexCategory  = "category"
	IndexRole      = "role"
)

var (
	isOffline = Index{IndexIsOffline, "is_offline", "is_offline"}
	serverID  = Index{IndexServerID, "server_id", "server_id"}
)

// Schema lists every record table and the indexes the reconciliation engine
// and UI collaborators query by. The syncQueue table is owned by the queue
// package and is not a record table.
var Schema = map[string]TableDef{
	models.TableOrders: {
		Name:    models.TableOrders,
		SQLName: "orders",
		Indexes: []Index{
			isOffline, serverID,
			{IndexStatus, "status", "status"},
			{IndexTableID, "table_id", "table_id"},
		},
	},
	models.TableReceipts: {
		Name:    models.TableReceipts,
		SQLName: "receipts",
		Indexes: []Index{
			isOffline, serverID,
			{IndexOrderID, "order_id", "order_id"},
		},
	},
	models.TableBillRequests: {
		Name:    models.TableBillRequests,
		SQLName: "bill_requests",
		Indexes: []Index{
			isOffline, serverID,
			{IndexOrderID, "order_id", "order_id"},
			{IndexTableID, "table_id", "table_id"},
		},
	},
	models.TableMenuItems: {
		Name:    models.TableMenuItems,
		SQLName: "menu_items",
		Indexes: []Index{
			isOffline, serverID,
			{IndexCategory, "category", "category"},
		},
	},
	models.TableTables: {
		Name:    models.TableTables,
		SQLName: "dining_tables",
		Indexes: []Index{
			isOffline, serverID,
			{IndexStatus, "status", "status"},
		},
	},
	models.TableUsers: {
		Name:    models.TableUsers,
		SQLName: "users",
		Indexes: []Index{
			isOffline, serverID,
			{IndexRole, "role", "role"},
		},
	},
}

// SQLTable returns the SQL table backing a logical table name.
func SQLTable(table string) (string, bool) {
	if table == models.TableSyncQueue {
		return "sync_queue", true
	}
	def, ok := Schema[table]
	return def.SQLName, ok
}
