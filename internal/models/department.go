package models

type Department struct {
	DepartmentID string `json:"department_id"`
	Name         string `json:"name"`
	Code         string `json:"code"`
	Enabled      bool   `json:"enabled"`
}

type Window struct {
	WindowID     string `json:"window_id"`
	DepartmentID string `json:"department_id"`
	Name         string `json:"name"`
	Number       int    `json:"number"`
	Enabled      bool   `json:"enabled"`
}
