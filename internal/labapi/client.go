// Package labapi is the typed client for the remote test/report API that the
// entry workflow consumes. Payloads are decoded into explicit structs and
// validated at the boundary; submissions are sent as a single multipart POST.
package labapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// WireDateLayout is the date format the report endpoint expects for
// date_of_test (dd.MM.yyyy). It must be preserved exactly for backend
// compatibility.
const WireDateLayout = "02.01.2006"

// FileAttachment is an uploaded file carried inside a report submission.
type FileAttachment struct {
	FileName    string
	ContentType string
	Content     []byte
}

// ReportRecord is one parameter entry inside a report submission.
type ReportRecord struct {
	TestID      int64
	GroupID     int64
	ParameterID int64
	Value       string
	Description string
	Remark      string
	Report      *FileAttachment
}

// ReportSubmission is the full payload for the report-creation endpoint:
// report-level fields plus one record per staged parameter.
type ReportSubmission struct {
	TestDate     time.Time
	LabName      string
	DoctorName   string
	Prescription *FileAttachment
	Records      []ReportRecord
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithAuthToken sets a bearer token attached to every request.
func WithAuthToken(token string) Option {
	return func(cl *Client) { cl.authToken = token }
}

// Client talks to the remote test/report API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
}

// New creates a Client with sensible defaults.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ListTestTypes fetches the available test types.
func (c *Client) ListTestTypes(ctx context.Context) ([]TestType, error) {
	var envelope struct {
		Data []TestType `json:"data"`
	}
	if err := c.getJSON(ctx, "/tests", &envelope); err != nil {
		return nil, err
	}
	for _, t := range envelope.Data {
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	return envelope.Data, nil
}

// GetTestGroups fetches the groups and their parameters for one test type.
func (c *Client) GetTestGroups(ctx context.Context, testID int64) ([]TestGroup, error) {
	var envelope struct {
		Data []TestGroup `json:"data"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/tests/%d", testID), &envelope); err != nil {
		return nil, err
	}
	for _, g := range envelope.Data {
		if err := g.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	return envelope.Data, nil
}

// GetGroupParameters fetches the parameters of a single group.
func (c *Client) GetGroupParameters(ctx context.Context, groupID int64) ([]Parameter, error) {
	var envelope struct {
		Data []Parameter `json:"data"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/groups/%d/parameters", groupID), &envelope); err != nil {
		return nil, err
	}
	for _, p := range envelope.Data {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	return envelope.Data, nil
}

// SubmitReport sends the full report as a single multipart POST to /entry.
// Anything other than 201 Created is returned as a *SubmissionError carrying
// the flattened field-level detail from the response body.
func (c *Client) SubmitReport(ctx context.Context, sub *ReportSubmission) error {
	body, contentType, err := EncodeSubmission(sub)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/entry", body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST /entry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return &SubmissionError{
		StatusCode: resp.StatusCode,
		Message:    FlattenErrorBody(respBody),
	}
}

// EncodeSubmission builds the multipart body for a report submission. The
// field names form the backend's wire contract and must not drift.
func EncodeSubmission(sub *ReportSubmission) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	if err := w.WriteField("date_of_test", sub.TestDate.Format(WireDateLayout)); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("lab_name", sub.LabName); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("doctor_name", sub.DoctorName); err != nil {
		return nil, "", err
	}
	if sub.Prescription != nil {
		if err := writeFilePart(w, "prescription", sub.Prescription); err != nil {
			return nil, "", err
		}
	}

	for i, rec := range sub.Records {
		prefix := fmt.Sprintf("tests[%d]", i)
		fields := map[string]string{
			prefix + "[test_id]":      strconv.FormatInt(rec.TestID, 10),
			prefix + "[group_id]":     strconv.FormatInt(rec.GroupID, 10),
			prefix + "[parameter_id]": strconv.FormatInt(rec.ParameterID, 10),
			prefix + "[test_value]":   rec.Value,
			prefix + "[description]":  rec.Description,
			prefix + "[remark]":       rec.Remark,
		}
		for _, name := range []string{"[test_id]", "[group_id]", "[parameter_id]", "[test_value]", "[description]", "[remark]"} {
			key := prefix + name
			if err := w.WriteField(key, fields[key]); err != nil {
				return nil, "", err
			}
		}
		if rec.Report != nil {
			if err := writeFilePart(w, prefix+"[test_report]", rec.Report); err != nil {
				return nil, "", err
			}
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

func writeFilePart(w *multipart.Writer, fieldName string, f *FileAttachment) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fieldName, f.FileName))
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(f.Content)
	return err
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}
