package models

// MenuItem is a cached entry of the menu snapshot.
type MenuItem struct {
	Meta
	Name      string  `json:"name"`
	Category  string  `json:"category,omitempty"`
	Price     float64 `json:"price"`
	Available bool    `json:"available"`
}

// Table is a cached entry of the floor-plan snapshot.
type Table struct {
	Meta
	Name   string `json:"name"`
	Seats  int    `json:"seats"`
	Status string `json:"status,omitempty"`
}

// User is a cached staff member used to render the UI while offline.
type User struct {
	Meta
	Name string `json:"name"`
	Role string `json:"role"`
}
