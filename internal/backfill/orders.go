package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"smartseller/internal/credentials"
	"smartseller/internal/ingest"
	"smartseller/internal/jobs"
)

// OrdersFetcher pages through the provider's order search for one month and
// feeds every order through the ingest boundary, so backfilled orders are
// normalized exactly like live notifications. They are deduplicated per
// order status.
type OrdersFetcher struct {
	BaseURL     string
	Client      *http.Client
	Credentials credentials.Repo
	Ingest      *ingest.Service
	PageSize    int
	Now         func() time.Time
}

type orderSearch struct {
	Results []struct {
		ID          int64  `json:"id"`
		Status      string `json:"status"`
		DateCreated string `json:"date_created"`
	} `json:"results"`
	Paging struct {
		Total  int `json:"total"`
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
	} `json:"paging"`
}

func (f *OrdersFetcher) FetchMonth(ctx context.Context, run *jobs.Run, u Unit) (int, error) {
	tok, err := run.Remember("token:"+u.Provider+":"+u.SubjectID, func() (any, error) {
		now := time.Now()
		if f.Now != nil {
			now = f.Now()
		}
		return credentials.ActiveToken(ctx, f.Credentials, u.Provider, u.SubjectID, now)
	})
	if err != nil {
		if errors.Is(err, credentials.ErrReauthRequired) {
			return 0, jobs.Fail(jobs.CategoryCredentialInvalid, err)
		}
		return 0, err
	}

	limit := f.PageSize
	if limit <= 0 {
		limit = 50
	}
	accepted := 0
	for offset := 0; ; offset += limit {
		page, err := f.page(ctx, tok.(string), u, offset, limit)
		if err != nil {
			return accepted, err
		}
		for _, o := range page.Results {
			note, _ := json.Marshal(map[string]any{
				"resource":     "/orders/" + strconv.FormatInt(o.ID, 10),
				"topic":        "orders_v2",
				"user_id":      u.SubjectID,
				"date_created": o.DateCreated,
			})
			// the status is part of the key, so a later backfill that finds
			// the order paid or cancelled records the change
			if _, err := f.Ingest.AcceptSynced(ctx, note, o.Status); err != nil {
				return accepted, fmt.Errorf("accept order %d: %w", o.ID, err)
			}
			accepted++
		}
		if len(page.Results) < limit || offset+limit >= page.Paging.Total {
			return accepted, nil
		}
	}
}

func (f *OrdersFetcher) page(ctx context.Context, token string, u Unit, offset, limit int) (*orderSearch, error) {
	q := url.Values{
		"seller":                  {u.SubjectID},
		"order.date_created.from": {u.From.Format(time.RFC3339)},
		"order.date_created.to":   {u.To.Add(-time.Millisecond).Format("2006-01-02T15:04:05.000Z07:00")},
		"sort":                    {"date_asc"},
		"offset":                  {strconv.Itoa(offset)},
		"limit":                   {strconv.Itoa(limit)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/orders/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, jobs.Fail(jobs.CategoryRateLimited, fmt.Errorf("orders search: http %d", res.StatusCode))
	case res.StatusCode >= 500:
		return nil, jobs.Fail(jobs.CategoryTransientNetwork, fmt.Errorf("orders search: http %d", res.StatusCode))
	case res.StatusCode/100 != 2:
		return nil, fmt.Errorf("orders search: http %d", res.StatusCode)
	}

	var out orderSearch
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("orders search: decode: %w", err)
	}
	return &out, nil
}
