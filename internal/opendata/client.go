//nolint:tagliatelle // superior snake-case yo.
package opendata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/opendata-ingest/internal/feed"
	"github.com/ethpandaops/opendata-ingest/internal/resilience"
)

// HTTPDoer issues a GET with retries.
type HTTPDoer interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

// Compile-time interface compliance check.
var _ HTTPDoer = (*resilience.Client)(nil)

// PageQuery selects one page of records newer than or equal to Since.
type PageQuery struct {
	Select         []string
	TimestampField string
	Since          time.Time
	Limit          int
	Offset         int
}

type recordsResponse struct {
	TotalCount int        `json:"total_count"`
	Results    []feed.Row `json:"results"`
}

type field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type metadataResponse struct {
	Fields  []field `json:"fields"`
	Dataset struct {
		Fields []field `json:"fields"`
	} `json:"dataset"`
}

// Client talks to the Opendatasoft catalog API for one dataset.
type Client struct {
	log       logrus.FieldLogger
	http      HTTPDoer
	datasetID string
}

// NewClient creates a client for datasetID.
func NewClient(log logrus.FieldLogger, httpClient HTTPDoer, datasetID string) *Client {
	return &Client{
		log:       log.WithFields(logrus.Fields{"component": "opendata", "dataset": datasetID}),
		http:      httpClient,
		datasetID: datasetID,
	}
}

// DatasetID returns the dataset this client reads.
func (c *Client) DatasetID() string {
	return c.datasetID
}

// RecordsURL builds the records URL for base. order_by is included when
// ordered is true.
func (c *Client) RecordsURL(base string, q PageQuery, ordered bool) string {
	params := url.Values{}

	if len(q.Select) > 0 {
		params.Set("select", strings.Join(q.Select, ","))
	}

	if q.TimestampField != "" {
		params.Set("where", fmt.Sprintf("%s >= date'%s'", q.TimestampField, feed.FormatTimestamp(q.Since)))

		if ordered {
			params.Set("order_by", q.TimestampField)
		}
	}

	params.Set("limit", strconv.Itoa(min(max(q.Limit, 1), MaxPageSize)))
	params.Set("offset", strconv.Itoa(q.Offset))

	return c.datasetURL(base) + "/records?" + params.Encode()
}

// FetchPage returns one page of rows. A 400 is retried once without
// order_by, which some dataset versions reject.
func (c *Client) FetchPage(ctx context.Context, base string, q PageQuery) ([]feed.Row, error) {
	rows, err := c.fetchRecords(ctx, c.RecordsURL(base, q, true))
	if err == nil || !resilience.IsStatus(err, http.StatusBadRequest) || q.TimestampField == "" {
		return rows, err
	}

	c.log.WithField("base", base).Debug("Upstream rejected order_by, retrying unordered")

	return c.fetchRecords(ctx, c.RecordsURL(base, q, false))
}

// FetchSample returns the first record of the dataset, or nil when empty.
func (c *Client) FetchSample(ctx context.Context, base string) (feed.Row, error) {
	rows, err := c.fetchRecords(ctx, c.datasetURL(base)+"/records?limit=1")
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, nil
	}

	return rows[0], nil
}

// Fields returns the field names published in the dataset metadata. Both
// the v2.1 shape ({"fields": [...]}) and the v2 shape
// ({"dataset": {"fields": [...]}}) are understood.
func (c *Client) Fields(ctx context.Context, base string) ([]string, error) {
	var meta metadataResponse
	if err := c.getJSON(ctx, c.datasetURL(base), &meta); err != nil {
		return nil, err
	}

	fields := meta.Fields
	if len(fields) == 0 {
		fields = meta.Dataset.Fields
	}

	names := make([]string, 0, len(fields))

	for _, f := range fields {
		if f.Name != "" {
			names = append(names, f.Name)
		}
	}

	return names, nil
}

func (c *Client) datasetURL(base string) string {
	return strings.TrimRight(base, "/") + "/catalog/datasets/" + url.PathEscape(c.datasetID)
}

func (c *Client) fetchRecords(ctx context.Context, rawURL string) ([]feed.Row, error) {
	var page recordsResponse
	if err := c.getJSON(ctx, rawURL, &page); err != nil {
		return nil, err
	}

	return page.Results, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := c.http.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("%w: %s", &resilience.StatusError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Attempts:   1,
		}, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}

	return nil
}
