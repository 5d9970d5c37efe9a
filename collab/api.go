package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

var ErrUnreachable = errors.New("Could not connect to the server. Check your connection and try again.")

// a non-200 response
type ApiError struct {
	StatusCode int
	Message    string
}

func (self *ApiError) Error() string {
	return self.Message
}

func newApiError(statusCode int, body []byte) *ApiError {
	var message string
	switch statusCode {
	case http.StatusUnauthorized:
		message = "Unauthorized. Log in again."
	case http.StatusForbidden:
		message = "Access denied. You do not have permission to access this resource."
	case http.StatusInternalServerError:
		message = "Internal server error. Try again later."
	default:
		var errorBody struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &errorBody); err == nil && errorBody.Message != "" {
			message = errorBody.Message
		} else if statusCode == http.StatusNotFound {
			message = "Schema not found."
		} else if text := strings.TrimSpace(string(body)); text != "" {
			message = text
		} else {
			message = "Unknown error."
		}
	}
	return &ApiError{
		StatusCode: statusCode,
		Message:    message,
	}
}

// the persisted schema boundary used by a session
type SchemaApi interface {
	LoadSchemaSync(schemaId string) (*LoadSchemaResult, error)
	SaveSchemaSync(schemaId string, wireGraph *WireGraph) (*SaveSchemaResult, error)
	GetCollaboratorsSync(schemaId string) (*GetCollaboratorsResult, error)
	SaveVersionSync(schemaId string, comment string, wireGraph *WireGraph) (*SchemaVersion, error)
	ListVersionsSync(schemaId string) (*ListVersionsResult, error)
	RestoreVersionSync(schemaId string, versionId Id) (*SchemaVersion, error)
	DeleteVersionSync(schemaId string, versionId Id) (*DeleteVersionResult, error)
}

type SchemaApiClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	authToken string
}

func NewSchemaApiClient(apiUrl string) *SchemaApiClient {
	return NewSchemaApiClientWithContext(context.Background(), apiUrl)
}

func NewSchemaApiClientWithContext(ctx context.Context, apiUrl string) *SchemaApiClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &SchemaApiClient{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: strings.TrimSuffix(apiUrl, "/"),
	}
}

// this gets attached to api calls
func (self *SchemaApiClient) SetAuthToken(authToken string) {
	self.authToken = authToken
}

func (self *SchemaApiClient) Close() {
	self.cancel()
}

// `{"data": ..., "status_code": ..., "success": ...}`
type apiResponse[T any] struct {
	Data       T    `json:"data"`
	StatusCode int  `json:"status_code"`
	Success    bool `json:"success"`
}

type SchemaDetails struct {
	Id             string `json:"id"`
	InsertedAt     string `json:"inserted_at,omitempty"`
	Title          string `json:"title"`
	DatabaseModel  string `json:"database_model,omitempty"`
	DisplayPicture string `json:"display_picture,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

type LoadSchemaResult struct {
	Schema *SchemaDetails `json:"schema"`
	// raw so that one bad cell does not fail the load
	Cells           json.RawMessage `json:"cells"`
	HasCells        bool            `json:"has_cells"`
	DatabaseModelId string          `json:"database_model_id,omitempty"`
}

// parses the loaded cells, skipping the cells that cannot be parsed
func (self *LoadSchemaResult) WireGraph() (*WireGraph, error) {
	return decodeCells(self.Cells)
}

func decodeCells(cells json.RawMessage) (*WireGraph, error) {
	wireGraph := &WireGraph{
		Cells: []*Cell{},
	}
	if len(cells) == 0 || string(cells) == "null" {
		return wireGraph, nil
	}
	var rawCells []json.RawMessage
	if err := json.Unmarshal(cells, &rawCells); err != nil {
		return wireGraph, err
	}
	errs := []error{}
	for i, rawCell := range rawCells {
		var cell Cell
		if err := json.Unmarshal(rawCell, &cell); err != nil {
			errs = append(errs, &CellError{Index: i, Err: err})
			continue
		}
		wireGraph.Cells = append(wireGraph.Cells, &cell)
	}
	return wireGraph, errors.Join(errs...)
}

type LoadSchemaCallback apiCallback[*LoadSchemaResult]

func (self *SchemaApiClient) LoadSchema(schemaId string, callback LoadSchemaCallback) {
	go self.loadSchema(schemaId, callback)
}

func (self *SchemaApiClient) LoadSchemaSync(schemaId string) (*LoadSchemaResult, error) {
	callback, c := NewBlockingApiCallback[*LoadSchemaResult]()
	go self.loadSchema(schemaId, callback)
	result := <-c
	return result.Result, result.Error
}

func (self *SchemaApiClient) loadSchema(schemaId string, callback LoadSchemaCallback) {
	response, err := get(
		self.ctx,
		fmt.Sprintf("%s/schemas/%s", self.apiUrl, url.PathEscape(schemaId)),
		self.authToken,
		&apiResponse[*LoadSchemaResult]{},
		NewNoopApiCallback[*apiResponse[*LoadSchemaResult]](),
	)
	if err != nil {
		callback.Result(nil, err)
		return
	}
	callback.Result(response.Data, nil)
}

type SaveSchemaArgs struct {
	SchemaId string  `json:"schema_id"`
	Cells    []*Cell `json:"cells"`
}

type SaveSchemaResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (self *SchemaApiClient) SaveSchemaSync(schemaId string, wireGraph *WireGraph) (*SaveSchemaResult, error) {
	return put(
		self.ctx,
		fmt.Sprintf("%s/schemas", self.apiUrl),
		&SaveSchemaArgs{
			SchemaId: schemaId,
			Cells:    wireGraph.Cells,
		},
		self.authToken,
		&SaveSchemaResult{},
		NewNoopApiCallback[*SaveSchemaResult](),
	)
}

type Collaborator struct {
	UserId     string `json:"user_id"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
	Permission string `json:"permission"`
	// a session of the user is connected to the schema
	Online bool `json:"online"`
}

type GetCollaboratorsResult struct {
	Collaborators []*Collaborator `json:"collaborators"`
}

type GetCollaboratorsCallback apiCallback[*GetCollaboratorsResult]

func (self *SchemaApiClient) GetCollaborators(schemaId string, callback GetCollaboratorsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/schemas/%s/collaborators", self.apiUrl, url.PathEscape(schemaId)),
		self.authToken,
		&GetCollaboratorsResult{},
		callback,
	)
}

func (self *SchemaApiClient) GetCollaboratorsSync(schemaId string) (*GetCollaboratorsResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/schemas/%s/collaborators", self.apiUrl, url.PathEscape(schemaId)),
		self.authToken,
		&GetCollaboratorsResult{},
		NewNoopApiCallback[*GetCollaboratorsResult](),
	)
}

// the relay keeps this many versions per schema, newest first
const MaxSchemaVersions = 50

type SchemaVersion struct {
	Id       Id     `json:"id"`
	SchemaId string `json:"schema_id"`
	// the user id that saved the version
	Author    string `json:"author"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at"`
	// the last saved or restored version
	IsCurrent bool `json:"is_current"`
	// only present on save and restore
	Cells json.RawMessage `json:"cells,omitempty"`
}

func (self *SchemaVersion) WireGraph() (*WireGraph, error) {
	return decodeCells(self.Cells)
}

type SaveVersionArgs struct {
	Comment string  `json:"comment,omitempty"`
	Cells   []*Cell `json:"cells"`
}

func (self *SchemaApiClient) SaveVersionSync(schemaId string, comment string, wireGraph *WireGraph) (*SchemaVersion, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/schemas/%s/versions", self.apiUrl, url.PathEscape(schemaId)),
		&SaveVersionArgs{
			Comment: comment,
			Cells:   wireGraph.Cells,
		},
		self.authToken,
		&SchemaVersion{},
		NewNoopApiCallback[*SchemaVersion](),
	)
}

type ListVersionsResult struct {
	Versions []*SchemaVersion `json:"versions"`
}

func (self *SchemaApiClient) ListVersionsSync(schemaId string) (*ListVersionsResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/schemas/%s/versions", self.apiUrl, url.PathEscape(schemaId)),
		self.authToken,
		&ListVersionsResult{},
		NewNoopApiCallback[*ListVersionsResult](),
	)
}

// marks the version current and returns it with its cells
func (self *SchemaApiClient) RestoreVersionSync(schemaId string, versionId Id) (*SchemaVersion, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/schemas/%s/versions/%s/restore", self.apiUrl, url.PathEscape(schemaId), versionId),
		nil,
		self.authToken,
		&SchemaVersion{},
		NewNoopApiCallback[*SchemaVersion](),
	)
}

type DeleteVersionResult struct {
	Success bool `json:"success"`
}

// the current version cannot be deleted
func (self *SchemaApiClient) DeleteVersionSync(schemaId string, versionId Id) (*DeleteVersionResult, error) {
	return delete_(
		self.ctx,
		fmt.Sprintf("%s/schemas/%s/versions/%s", self.apiUrl, url.PathEscape(schemaId), versionId),
		self.authToken,
		&DeleteVersionResult{},
		NewNoopApiCallback[*DeleteVersionResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, authToken string, result R, callback apiCallback[R]) (R, error) {
	return send(ctx, "POST", url, args, authToken, result, callback)
}

func delete_[R any](ctx context.Context, url string, authToken string, result R, callback apiCallback[R]) (R, error) {
	return send(ctx, "DELETE", url, nil, authToken, result, callback)
}

func put[R any](ctx context.Context, url string, args any, authToken string, result R, callback apiCallback[R]) (R, error) {
	return send(ctx, "PUT", url, args, authToken, result, callback)
}

func get[R any](ctx context.Context, url string, authToken string, result R, callback apiCallback[R]) (R, error) {
	return send(ctx, "GET", url, nil, authToken, result, callback)
}

func send[R any](ctx context.Context, method string, url string, args any, authToken string, result R, callback apiCallback[R]) (R, error) {
	var requestBody io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
		requestBody = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, requestBody)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if authToken != "" {
		auth := fmt.Sprintf("Bearer %s", authToken)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		err = fmt.Errorf("%w (%s)", ErrUnreachable, err)
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		var empty R
		apiErr := newApiError(r.StatusCode, responseBodyBytes)
		callback.Result(empty, apiErr)
		return empty, apiErr
	}

	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
