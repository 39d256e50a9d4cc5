package store

import "slices"

var scanSortColumns = []string{"created_at", "updated_at", "amount", "user_id", "status"}

func (r *ScanTransactionsRequest) normalize() {
	if r.Size <= 0 {
		r.Size = 10
	}
	if r.Size > 200 {
		r.Size = 200
	}
	if r.From < 0 {
		r.From = 0
	}
	if !slices.Contains(scanSortColumns, r.SortBy) {
		r.SortBy = "created_at"
	}
}
