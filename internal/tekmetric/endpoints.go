package tekmetric

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"time"
)

const (
	employeePageSize = 100
	maxBoardPages    = 100
	maxReportPages   = 50
	reportPageSize   = 100
)

// Board names understood by the job board endpoint.
const (
	BoardActive   = "ACTIVE"
	BoardPosted   = "POSTED"
	BoardComplete = "COMPLETE"
)

// Resume is the "continue from last known point" parameter, sourced from the
// sync cursor. The zero value means no cursor.
type Resume struct {
	UpdatedAfter time.Time
	AfterID      int64
}

// IsZero reports whether no cursor has been recorded yet.
func (r Resume) IsZero() bool {
	return r.UpdatedAfter.IsZero()
}

// After reports whether an entity updated at t with id lies beyond the cursor.
func (r Resume) After(t *time.Time, id int64) bool {
	if r.IsZero() {
		return true
	}
	if t == nil {
		return true
	}
	if t.After(r.UpdatedAfter) {
		return true
	}
	return t.Equal(r.UpdatedAfter) && id > r.AfterID
}

// DiscoveryOptions selects which orders the job board iteration yields.
type DiscoveryOptions struct {
	Boards []string
	Resume Resume
	// Since bounds the first run (no cursor) by each board's date field.
	Since time.Time
}

// Shop fetches the shop header, cached when Redis is configured.
func (c *Client) Shop(ctx context.Context, shopID int64) (*Shop, error) {
	cacheKey := ""
	if c.cache != nil {
		cacheKey = c.cache.Key("shop", strconv.FormatInt(shopID, 10))
		var cached Shop
		ok, err := c.cache.GetJSON(ctx, cacheKey, &cached)
		if err != nil {
			c.logger.Warn("read shop cache failed", "error", err)
		} else if ok {
			return &cached, nil
		}
	}

	body, err := c.get(ctx, "shop", fmt.Sprintf("/api/shop/%d", shopID), nil)
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(body)
	if err != nil {
		return nil, err
	}
	shop, err := decodeShop(rec)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, cacheKey, shop, c.shopTTL); err != nil {
			c.logger.Warn("set shop cache failed", "error", err)
		}
	}
	return &shop, nil
}

// Employees lazily pages through the shop's employees. Malformed rows are
// yielded as ErrMalformed errors and iteration continues; a failed page fetch
// is yielded and ends the sequence. Each range restarts from page zero.
func (c *Client) Employees(ctx context.Context, shopID int64) iter.Seq2[Employee, error] {
	return func(yield func(Employee, error) bool) {
		path := fmt.Sprintf("/api/shop/%d/employee", shopID)
		for page := 0; page < maxBoardPages; page++ {
			q := url.Values{}
			q.Set("page", strconv.Itoa(page))
			q.Set("size", strconv.Itoa(employeePageSize))
			body, err := c.get(ctx, "employees", path, q)
			if err != nil {
				yield(Employee{}, fmt.Errorf("fetch employees page %d: %w", page, err))
				return
			}
			rows, meta, err := decodeList(body)
			if err != nil {
				yield(Employee{}, fmt.Errorf("decode employees page %d: %w", page, err))
				return
			}
			if len(rows) == 0 {
				return
			}
			for _, row := range rows {
				emp, err := decodeEmployee(row)
				if !yield(emp, err) {
					return
				}
			}
			if lastPage(meta, page) {
				return
			}
		}
	}
}

// lastPage reads Spring-style page metadata; bare arrays carry none and are
// treated as a single page.
func lastPage(meta record, page int) bool {
	if len(meta) == 0 {
		return true
	}
	if last, ok := meta.flag("last"); ok {
		return last
	}
	if total, ok := meta.integer("totalPages"); ok {
		return int64(page+1) >= total
	}
	return false
}

// RepairOrders discovers orders across job boards. Orders seen on an earlier
// board are not yielded again.
func (c *Client) RepairOrders(ctx context.Context, shopID int64, opts DiscoveryOptions) iter.Seq2[RepairOrder, error] {
	boards := opts.Boards
	if len(boards) == 0 {
		boards = []string{BoardActive, BoardPosted, BoardComplete}
	}
	return func(yield func(RepairOrder, error) bool) {
		seen := make(map[int64]struct{})
		path := fmt.Sprintf("/api/shop/%d/job-board-group-by", shopID)
		for _, board := range boards {
			for page := 0; page <= maxBoardPages; page++ {
				q := url.Values{}
				q.Set("view", "list")
				q.Set("board", board)
				q.Set("page", strconv.Itoa(page))
				q.Set("groupBy", "NONE")
				body, err := c.get(ctx, "job_board", path, q)
				if err != nil {
					if !yield(RepairOrder{}, fmt.Errorf("fetch %s board page %d: %w", board, page, err)) {
						return
					}
					break
				}
				rows, _, err := decodeList(body)
				if err != nil {
					if !yield(RepairOrder{}, fmt.Errorf("decode %s board page %d: %w", board, page, err)) {
						return
					}
					break
				}
				if len(rows) == 0 {
					break
				}
				for _, row := range rows {
					ro, err := decodeRepairOrder(row)
					if err != nil {
						if !yield(RepairOrder{}, err) {
							return
						}
						continue
					}
					if _, dup := seen[ro.ID]; dup {
						continue
					}
					if !opts.wants(board, ro) {
						continue
					}
					seen[ro.ID] = struct{}{}
					ro.Board = board
					if !yield(ro, nil) {
						return
					}
				}
			}
		}
	}
}

func (o DiscoveryOptions) wants(board string, ro RepairOrder) bool {
	if !o.Resume.IsZero() {
		return o.Resume.After(ro.UpdatedAt, ro.ID)
	}
	if o.Since.IsZero() {
		return true
	}
	var ts *time.Time
	switch board {
	case BoardPosted:
		ts = ro.PostedAt
	case BoardComplete:
		ts = ro.CompletedAt
	}
	if ts == nil {
		ts = ro.UpdatedAt
	}
	// undated orders are kept rather than silently dropped
	return ts == nil || !ts.Before(o.Since)
}

// ProfitReport discovers posted orders between two dates using the reporting
// endpoint's cursor pagination. It is the historical backfill path.
func (c *Client) ProfitReport(ctx context.Context, shopID int64, from, to time.Time, loc *time.Location) iter.Seq2[RepairOrder, error] {
	if loc == nil {
		loc = time.UTC
	}
	return func(yield func(RepairOrder, error) bool) {
		start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
		end := time.Date(to.Year(), to.Month(), to.Day(), 23, 59, 59, int(999*time.Millisecond), loc)
		nextKeys := ""
		for page := 0; page < maxReportPages; page++ {
			q := url.Values{}
			q.Set("timezone", loc.String())
			q.Set("size", strconv.Itoa(reportPageSize))
			q.Set("shopIds", strconv.FormatInt(shopID, 10))
			q.Set("start", start.Format("2006-01-02T15:04:05.000-07:00"))
			q.Set("end", end.Format("2006-01-02T15:04:05.000-07:00"))
			q.Set("sortBy", "POSTED_DATE")
			q.Set("sortOrder", "DESC")
			if nextKeys != "" {
				q.Set("nextKeys", nextKeys)
			}
			body, err := c.get(ctx, "profit_report", "/api/reporting/profit-details-report", q)
			if err != nil {
				yield(RepairOrder{}, fmt.Errorf("fetch profit report page %d: %w", page, err))
				return
			}
			rows, meta, err := decodeList(body)
			if err != nil {
				yield(RepairOrder{}, fmt.Errorf("decode profit report page %d: %w", page, err))
				return
			}
			for _, row := range rows {
				ro, err := decodeRepairOrder(row)
				if err == nil {
					ro.Status = StatusPosted
					ro.Board = BoardPosted
				}
				if !yield(ro, err) {
					return
				}
			}
			if more, _ := meta.flag("hasNext"); !more || len(rows) == 0 {
				return
			}
			nextKeys = meta.str("nextKeys")
			if nextKeys == "" {
				return
			}
		}
	}
}

// RepairOrder fetches the order detail. It returns ErrNotFound for orders
// the detail endpoint does not serve (common for work in progress).
func (c *Client) RepairOrder(ctx context.Context, shopID, orderID int64) (*RepairOrder, error) {
	body, err := c.get(ctx, "repair_order", fmt.Sprintf("/api/shop/%d/repair-order/%d", shopID, orderID), nil)
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(body)
	if err != nil {
		return nil, err
	}
	ro, err := decodeRepairOrder(rec)
	if err != nil {
		return nil, err
	}
	return &ro, nil
}

// Estimate fetches the all-jobs view of an order.
func (c *Client) Estimate(ctx context.Context, orderID int64) (*Estimate, error) {
	body, err := c.get(ctx, "estimate", fmt.Sprintf("/api/repair-order/%d/estimate", orderID), nil)
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(body)
	if err != nil {
		return nil, err
	}
	est := decodeEstimate(rec)
	if est.SkippedJobs > 0 {
		c.logger.Warn("skipped malformed jobs", "order_id", orderID, "count", est.SkippedJobs)
	}
	return &est, nil
}

// Profit fetches the authorized-only profit aggregate of an order.
func (c *Client) Profit(ctx context.Context, orderID int64) (*ProfitSummary, error) {
	body, err := c.get(ctx, "profit", fmt.Sprintf("/api/repair-order/%d/profit/labor", orderID), nil)
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(body)
	if err != nil {
		return nil, err
	}
	ps := decodeProfit(rec)
	return &ps, nil
}

// Customer fetches one customer.
func (c *Client) Customer(ctx context.Context, shopID, customerID int64) (*Customer, error) {
	body, err := c.get(ctx, "customer", fmt.Sprintf("/api/shop/%d/customer/%d", shopID, customerID), nil)
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(body)
	if err != nil {
		return nil, err
	}
	cust, err := decodeCustomer(rec)
	if err != nil {
		return nil, err
	}
	return &cust, nil
}

// Vehicle fetches one vehicle.
func (c *Client) Vehicle(ctx context.Context, shopID, vehicleID int64) (*Vehicle, error) {
	body, err := c.get(ctx, "vehicle", fmt.Sprintf("/api/shop/%d/vehicle/%d", shopID, vehicleID), nil)
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(body)
	if err != nil {
		return nil, err
	}
	veh, err := decodeVehicle(rec)
	if err != nil {
		return nil, err
	}
	return &veh, nil
}

// IsExpectedAbsence reports whether err is a 404 that callers should log at
// info level and move past.
func IsExpectedAbsence(err error) bool {
	return errors.Is(err, ErrNotFound)
}
