package statistics

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/types"
)

var Module = fx.Options(
	fx.Provide(New),
)

type StatisticType string

const (
	// Daily counts and revenue of successful charges. Revenue values are in cents.
	StatisticTypeDailyTransactionCount StatisticType = "daily_transaction_count"
	StatisticTypeDailyRevenue          StatisticType = "daily_revenue"
	StatisticTypeTotalRevenue          StatisticType = "total_revenue"

	// Subscription related
	StatisticTypeDailyNewSubscriptionCount StatisticType = "daily_new_subscription_count"
	StatisticTypeActiveSubscriptionCount   StatisticType = "active_subscription_count"
	StatisticTypeDailyEndedSubscriptions   StatisticType = "daily_ended_subscription_count"

	// Renewal metrics
	StatisticTypeRenewalSuccessRate StatisticType = "renewal_success_rate"
)

// FilterType names a filter with custom SQL. Other filters are plain column filters.
type FilterType string

const (
	FilterTypeIsRenewal FilterType = "is_renewal"
)

var filterTypes = []FilterType{FilterTypeIsRenewal}

var validFilters = map[FilterType][]StatisticType{
	FilterTypeIsRenewal: {StatisticTypeDailyTransactionCount, StatisticTypeDailyRevenue},
}

// transactionColumns are the plain columns a transaction statistic may be filtered by.
var transactionColumns = []string{"gateway", "currency", "type", "user_id"}

type DataItem struct {
	ID StatisticType `json:"id"`
}

type Request struct {
	Filters   []*types.CommonFilter `json:"filters"`
	DataItems []*DataItem           `json:"data_items"`
}

// Validate rejects unknown statistics and filters on columns outside the allow list.
func (r *Request) Validate() error {
	verr := types.NewValidationError()
	if len(r.DataItems) == 0 {
		verr.Add("At least one data item is required.")
	}
	for _, di := range r.DataItems {
		if di == nil || !lo.Contains(statisticTypes, di.ID) {
			verr.Add(fmt.Sprintf("Unknown statistic %q.", lo.FromPtr(di).ID))
		}
	}
	for _, f := range r.Filters {
		if f.Operator != types.CommonFilterOperatorOr && lo.Contains(filterTypes, FilterType(f.Field)) {
			continue
		}
		for _, field := range f.Fields() {
			if !lo.Contains(transactionColumns, field) {
				verr.Add(fmt.Sprintf("Cannot filter by %q.", field))
			}
		}
	}
	return verr.OrNil()
}

var statisticTypes = []StatisticType{
	StatisticTypeDailyTransactionCount,
	StatisticTypeDailyRevenue,
	StatisticTypeTotalRevenue,
	StatisticTypeDailyNewSubscriptionCount,
	StatisticTypeActiveSubscriptionCount,
	StatisticTypeDailyEndedSubscriptions,
	StatisticTypeRenewalSuccessRate,
}

func (r *Request) GetFilters(statisticType StatisticType) *Request {
	if r == nil || len(r.Filters) == 0 {
		return r
	}
	var result Request
	for _, filter := range r.Filters {
		if statisticTypes, ok := validFilters[FilterType(filter.Field)]; ok {
			if lo.Contains(statisticTypes, statisticType) {
				result.Filters = append(result.Filters, filter)
			}
		} else {
			result.Filters = append(result.Filters, filter)
		}
	}
	return &result
}

// Build composes a WHERE clause from the filters, expanding is_renewal into a type condition.
func (r *Request) Build(builder clause.Builder) {
	if r == nil || len(r.Filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	for i, filter := range r.Filters {
		if i > 0 {
			builder.WriteString(" AND ")
		}
		switch filter.Field {
		case string(FilterTypeIsRenewal):
			if len(filter.Values) > 0 && fmt.Sprint(filter.Values[0]) == "true" {
				builder.WriteString("type = 'renewal'")
			} else {
				builder.WriteString("type != 'renewal'")
			}
		default:
			filter.Build(builder)
		}
	}
}

type ResponseDataItem struct {
	Date   string `json:"date"`
	Label  string `json:"label,omitempty"`
	Value  int64  `json:"value"`
	Value2 int64  `json:"value2,omitempty"`
	Value3 int64  `json:"value3,omitempty"`
}

type Response struct {
	DataItems map[StatisticType][]ResponseDataItem `json:"data_items"`
}

// Service runs reporting queries against postgres.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Service { return &Service{db: db, now: time.Now} }

// paidCharges scopes a query to successful charges that moved money.
func paidCharges(db *gorm.DB) *gorm.DB {
	return db.Where("status = ?", types.TransactionStatusSuccess).
		Where("gateway != ?", types.GatewayFree)
}

func (s *Service) getDailyTransactionCount(ctx context.Context, request *Request) ([]ResponseDataItem, error) {
	var results []ResponseDataItem
	q := paidCharges(s.db.WithContext(ctx).Table((models.Transaction{}).TableName())).
		Select("TO_CHAR(created_at, 'YYYY-MM-DD') as date, count(*) as value").
		Where(clause.Where{Exprs: []clause.Expression{request.GetFilters(StatisticTypeDailyTransactionCount)}}).
		Group("TO_CHAR(created_at, 'YYYY-MM-DD')").
		Order("date")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyRevenue(ctx context.Context, request *Request) ([]ResponseDataItem, error) {
	var results []ResponseDataItem
	q := paidCharges(s.db.WithContext(ctx).Table((models.Transaction{}).TableName())).
		Select("TO_CHAR(created_at, 'YYYY-MM-DD') as date, currency AS label, CAST(ROUND(sum(amount) * 100) AS BIGINT) as value").
		Where("refunded_at IS NULL").
		Where(clause.Where{Exprs: []clause.Expression{request.GetFilters(StatisticTypeDailyRevenue)}}).
		Group("TO_CHAR(created_at, 'YYYY-MM-DD')").
		Group("currency").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true})
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getTotalRevenue(ctx context.Context, _ *Request) ([]ResponseDataItem, error) {
	var results []ResponseDataItem
	err := s.db.WithContext(ctx).Raw(`
WITH paid AS (
    SELECT created_at, currency, amount FROM transaction
    WHERE status = ? AND gateway != ? AND refunded_at IS NULL
),
min_max_dates AS (
    SELECT MIN(DATE(created_at)) as min_date, MAX(DATE(created_at)) as max_date FROM paid
),
distinct_dates AS (
    SELECT generate_series(min_date, max_date, '1 day'::interval) as date FROM min_max_dates
),
dates AS (
    SELECT TO_CHAR(date, 'YYYY-MM-DD') as date FROM distinct_dates
),
currencies AS (
    SELECT DISTINCT currency as label FROM paid
),
date_currency_combinations AS (
    SELECT d.date, c.label FROM dates d CROSS JOIN currencies c
),
revenue_date AS (
    SELECT dc.date, dc.label, COALESCE(SUM(p.amount), 0) as value
    FROM date_currency_combinations dc
    LEFT JOIN paid p
      ON TO_CHAR(p.created_at, 'YYYY-MM-DD') = dc.date
     AND p.currency = dc.label
    GROUP BY dc.date, dc.label
)
SELECT d.date as date, d.label as label, CAST(ROUND(SUM(s.value) * 100) AS BIGINT) as value
FROM revenue_date d
LEFT JOIN revenue_date s ON s.date <= d.date AND s.label = d.label
GROUP BY d.date, d.label
ORDER BY d.date DESC, d.label ASC
`, types.TransactionStatusSuccess, types.GatewayFree).Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyNewSubscriptionCount(ctx context.Context, _ *Request) ([]ResponseDataItem, error) {
	var results []ResponseDataItem
	err := s.db.WithContext(ctx).Raw(`
WITH first_activation AS (
    SELECT user_id, MIN(DATE(activated_at)) as date
    FROM subscription
    WHERE activated_at IS NOT NULL
    GROUP BY user_id
)
SELECT TO_CHAR(date, 'YYYY-MM-DD') as date, COUNT(*) as value
FROM first_activation
GROUP BY date
ORDER BY date DESC
`).Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getActiveSubscriptionCount(ctx context.Context, _ *Request) ([]ResponseDataItem, error) {
	var results []ResponseDataItem
	now := s.now()
	q := s.db.WithContext(ctx).Table((models.Subscription{}).TableName()).
		Select("plan_key as label, count(*) as value").
		Where("active = ?", true).
		Where("start_at <= ?", now).
		Where("(end_at IS NULL OR end_at > ?)", now).
		Group("plan_key").
		Order("plan_key")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyEndedSubscriptions(ctx context.Context, _ *Request) ([]ResponseDataItem, error) {
	var results []ResponseDataItem
	q := s.db.WithContext(ctx).Table((models.Subscription{}).TableName()).
		Select("TO_CHAR(end_at, 'YYYY-MM-DD') as date, end_reason as label, count(*) as value").
		Where("end_reason != ''").
		Where("end_at IS NOT NULL").
		Group("TO_CHAR(end_at, 'YYYY-MM-DD')").
		Group("end_reason").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true})
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// getRenewalSuccessRate reports per day the share of renewal attempts that
// succeeded, in basis points, with the attempt and success counts.
func (s *Service) getRenewalSuccessRate(ctx context.Context, _ *Request) ([]ResponseDataItem, error) {
	var results []ResponseDataItem
	sql := `
WITH attempts AS (
  SELECT DATE(created_at) as date,
         COUNT(*) as total,
         COUNT(*) FILTER (WHERE status IN (?, ?)) as succeeded
  FROM transaction
  WHERE type = ?
    AND status != ?
  GROUP BY DATE(created_at)
)
SELECT
  TO_CHAR(date, 'YYYY-MM-DD') as date,
  CASE WHEN total = 0 THEN 0
       ELSE CAST(ROUND(LEAST(succeeded * 100.0 / total, 100), 2) * 100 AS INTEGER)
  END as value,
  total as value2,
  succeeded as value3
FROM attempts
ORDER BY date DESC`
	err := s.db.WithContext(ctx).Raw(sql,
		types.TransactionStatusSuccess, types.TransactionStatusRefunded,
		types.TransactionTypeRenewal, types.TransactionStatusPending,
	).Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getStatistic(ctx context.Context, request *Request, dataItem *DataItem) ([]ResponseDataItem, error) {
	switch dataItem.ID {
	case StatisticTypeDailyTransactionCount:
		return s.getDailyTransactionCount(ctx, request)
	case StatisticTypeDailyRevenue:
		return s.getDailyRevenue(ctx, request)
	case StatisticTypeTotalRevenue:
		return s.getTotalRevenue(ctx, request)
	case StatisticTypeDailyNewSubscriptionCount:
		return s.getDailyNewSubscriptionCount(ctx, request)
	case StatisticTypeActiveSubscriptionCount:
		return s.getActiveSubscriptionCount(ctx, request)
	case StatisticTypeDailyEndedSubscriptions:
		return s.getDailyEndedSubscriptions(ctx, request)
	case StatisticTypeRenewalSuccessRate:
		return s.getRenewalSuccessRate(ctx, request)
	default:
		return nil, fmt.Errorf("invalid data item id: %s", dataItem.ID)
	}
}

// GetStatistics computes every requested data item concurrently. A data item
// that does not support one of the special filters is returned empty.
func (s *Service) GetStatistics(ctx context.Context, request *Request) (*Response, error) {
	if err := request.Validate(); err != nil {
		return nil, err
	}
	// each goroutine sends exactly one value on one of the buffered channels
	errChan := make(chan error, len(request.DataItems))
	resChan := make(chan *lo.Entry[StatisticType, []ResponseDataItem], len(request.DataItems))

	for _, item := range request.DataItems {
		go func(di *DataItem) {
			for _, filter := range request.Filters {
				ft := FilterType(filter.Field)
				if lo.Contains(filterTypes, ft) && !lo.Contains(validFilters[ft], di.ID) {
					resChan <- &lo.Entry[StatisticType, []ResponseDataItem]{Key: di.ID, Value: nil}
					return
				}
			}
			res, err := s.getStatistic(ctx, request, di)
			if err != nil {
				errChan <- fmt.Errorf("failed to compute %s: %w", di.ID, err)
				return
			}
			resChan <- &lo.Entry[StatisticType, []ResponseDataItem]{Key: di.ID, Value: res}
		}(item)
	}

	results := make(map[StatisticType][]ResponseDataItem)
	for i := 0; i < len(request.DataItems); i++ {
		select {
		case err := <-errChan:
			return nil, err
		case entry := <-resChan:
			results[entry.Key] = entry.Value
		}
	}
	return &Response{DataItems: results}, nil
}
