package builder

import (
	"bytes"
	"context"
	"encoding/json"
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
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// client for the authoritative remote store
type BuilderApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewBuilderApi(apiUrl string) *BuilderApi {
	return NewBuilderApiWithContext(context.Background(), apiUrl)
}

func NewBuilderApiWithContext(ctx context.Context, apiUrl string) *BuilderApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &BuilderApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *BuilderApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *BuilderApi) ByJwt() string {
	return self.byJwt
}

func (self *BuilderApi) requireByJwt() error {
	if self.byJwt == "" {
		return ErrNotAuthenticated
	}
	return nil
}

type WorkspaceFilesCallback apiCallback[*WorkspaceFilesResult]

type WorkspaceFilesResult struct {
	WorkspaceId Id                   `json:"workspace_id"`
	Files       []*File              `json:"files"`
	Pages       []*Page              `json:"pages,omitempty"`
	Components  []*ComponentInstance `json:"components,omitempty"`
}

func (self *BuilderApi) GetWorkspaceFiles(workspaceId Id, callback WorkspaceFilesCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/workspace/%s/files", self.apiUrl, workspaceId),
		self.byJwt,
		&WorkspaceFilesResult{},
		callback,
	)
}

func (self *BuilderApi) GetWorkspaceFilesSync(ctx context.Context, workspaceId Id) (*WorkspaceFilesResult, error) {
	if err := self.requireByJwt(); err != nil {
		return nil, err
	}
	return get(
		ctx,
		fmt.Sprintf("%s/workspace/%s/files", self.apiUrl, workspaceId),
		self.byJwt,
		&WorkspaceFilesResult{},
		NewNoopApiCallback[*WorkspaceFilesResult](),
	)
}

type CreateFileCallback apiCallback[*CreateFileResult]

type CreateFileArgs struct {
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
	Content  string `json:"content"`
}

type CreateFileResult struct {
	File  *File                  `json:"file,omitempty"`
	Error *CreateFileResultError `json:"error,omitempty"`
}

type CreateFileResultError struct {
	Message string `json:"message"`
}

func (self *BuilderApi) CreateFile(workspaceId Id, createFile *CreateFileArgs, callback CreateFileCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/workspace/%s/files", self.apiUrl, workspaceId),
		createFile,
		self.byJwt,
		&CreateFileResult{},
		callback,
	)
}

func (self *BuilderApi) CreateFileSync(ctx context.Context, workspaceId Id, createFile *CreateFileArgs) (*CreateFileResult, error) {
	if err := self.requireByJwt(); err != nil {
		return nil, err
	}
	return post(
		ctx,
		fmt.Sprintf("%s/workspace/%s/files", self.apiUrl, workspaceId),
		createFile,
		self.byJwt,
		&CreateFileResult{},
		NewNoopApiCallback[*CreateFileResult](),
	)
}

type UpdateFileCallback apiCallback[*UpdateFileResult]

type UpdateFileArgs struct {
	Content string `json:"content"`
}

type UpdateFileResult struct {
	Success   bool      `json:"success"`
	FileId    Id        `json:"file_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (self *BuilderApi) UpdateFile(fileId Id, updateFile *UpdateFileArgs, callback UpdateFileCallback) {
	go request(
		self.ctx,
		"PUT",
		fmt.Sprintf("%s/files/%s", self.apiUrl, fileId),
		updateFile,
		self.byJwt,
		&UpdateFileResult{},
		callback,
	)
}

func (self *BuilderApi) UpdateFileSync(ctx context.Context, fileId Id, updateFile *UpdateFileArgs) (*UpdateFileResult, error) {
	if err := self.requireByJwt(); err != nil {
		return nil, err
	}
	return request(
		ctx,
		"PUT",
		fmt.Sprintf("%s/files/%s", self.apiUrl, fileId),
		updateFile,
		self.byJwt,
		&UpdateFileResult{},
		NewNoopApiCallback[*UpdateFileResult](),
	)
}

type LightUpdateFileCallback apiCallback[*LightUpdateFileResult]

type LightUpdateFileArgs struct {
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	LineNumber int    `json:"lineNumber,omitempty"`
}

type LightUpdateFileResult struct {
	Success   bool      `json:"success"`
	FileId    Id        `json:"file_id"`
	FileName  string    `json:"file_name"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (self *BuilderApi) LightUpdateFile(fileId Id, lightUpdate *LightUpdateFileArgs, callback LightUpdateFileCallback) {
	go request(
		self.ctx,
		"PATCH",
		fmt.Sprintf("%s/files/%s/light-update", self.apiUrl, fileId),
		lightUpdate,
		self.byJwt,
		&LightUpdateFileResult{},
		callback,
	)
}

func (self *BuilderApi) LightUpdateFileSync(ctx context.Context, fileId Id, lightUpdate *LightUpdateFileArgs) (*LightUpdateFileResult, error) {
	if err := self.requireByJwt(); err != nil {
		return nil, err
	}
	return request(
		ctx,
		"PATCH",
		fmt.Sprintf("%s/files/%s/light-update", self.apiUrl, fileId),
		lightUpdate,
		self.byJwt,
		&LightUpdateFileResult{},
		NewNoopApiCallback[*LightUpdateFileResult](),
	)
}

type BulkSaveFilesCallback apiCallback[*BulkSaveFilesResult]

type BulkSaveFilesArgs struct {
	Files []*BulkSaveFile `json:"files"`
}

type BulkSaveFile struct {
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	Content  string `json:"content"`
}

type BulkSaveFilesResult struct {
	Success      bool     `json:"success"`
	CreatedFiles []*File  `json:"createdFiles"`
	UpdatedFiles []*File  `json:"updatedFiles"`
	Errors       []string `json:"errors"`
}

func (self *BuilderApi) BulkSaveFiles(workspaceId Id, bulkSave *BulkSaveFilesArgs, callback BulkSaveFilesCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/workspace/%s/bulk-save", self.apiUrl, workspaceId),
		bulkSave,
		self.byJwt,
		&BulkSaveFilesResult{},
		callback,
	)
}

func (self *BuilderApi) BulkSaveFilesSync(ctx context.Context, workspaceId Id, bulkSave *BulkSaveFilesArgs) (*BulkSaveFilesResult, error) {
	if err := self.requireByJwt(); err != nil {
		return nil, err
	}
	return post(
		ctx,
		fmt.Sprintf("%s/workspace/%s/bulk-save", self.apiUrl, workspaceId),
		bulkSave,
		self.byJwt,
		&BulkSaveFilesResult{},
		NewNoopApiCallback[*BulkSaveFilesResult](),
	)
}

type PreviewCallback apiCallback[*PreviewResult]

type PreviewResult struct {
	Html string `json:"html"`
}

func (self *BuilderApi) GetPreview(workspaceId Id, pageRoute string, callback PreviewCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/workspace/%s/preview?pageRoute=%s", self.apiUrl, workspaceId, url.QueryEscape(pageRoute)),
		self.byJwt,
		&PreviewResult{},
		callback,
	)
}

func (self *BuilderApi) GetPreviewSync(ctx context.Context, workspaceId Id, pageRoute string) (*PreviewResult, error) {
	if err := self.requireByJwt(); err != nil {
		return nil, err
	}
	return get(
		ctx,
		fmt.Sprintf("%s/workspace/%s/preview?pageRoute=%s", self.apiUrl, workspaceId, url.QueryEscape(pageRoute)),
		self.byJwt,
		&PreviewResult{},
		NewNoopApiCallback[*PreviewResult](),
	)
}

type ComponentTypesCallback apiCallback[*ComponentTypesResult]

type ComponentTypesResult struct {
	ComponentTypes []*ComponentType `json:"component_types"`
}

func (self *BuilderApi) GetComponentTypes(callback ComponentTypesCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/component-types", self.apiUrl),
		self.byJwt,
		&ComponentTypesResult{},
		callback,
	)
}

func (self *BuilderApi) GetComponentTypesSync(ctx context.Context) (*ComponentTypesResult, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/component-types", self.apiUrl),
		self.byJwt,
		&ComponentTypesResult{},
		NewNoopApiCallback[*ComponentTypesResult](),
	)
}

func (self *BuilderApi) GetComponentTypesByCategorySync(ctx context.Context, category string) (*ComponentTypesResult, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/component-types/category/%s", self.apiUrl, url.PathEscape(category)),
		self.byJwt,
		&ComponentTypesResult{},
		NewNoopApiCallback[*ComponentTypesResult](),
	)
}

type ComponentTypeResult struct {
	ComponentType *ComponentType `json:"component_type,omitempty"`
}

func (self *BuilderApi) GetComponentTypeSync(ctx context.Context, componentTypeId Id) (*ComponentTypeResult, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/component-types/%s", self.apiUrl, componentTypeId),
		self.byJwt,
		&ComponentTypeResult{},
		NewNoopApiCallback[*ComponentTypeResult](),
	)
}

func (self *BuilderApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "POST", url, args, byJwt, result, callback)
}

func request[R any](ctx context.Context, method string, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		err = fmt.Errorf("%w: %s", ErrRemoteUnavailable, err)
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = fmt.Errorf("%w: %s", ErrRemoteUnavailable, errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
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

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		err = fmt.Errorf("%w: %s", ErrRemoteUnavailable, err)
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = fmt.Errorf("%w: %s", ErrRemoteUnavailable, errorMessage)
		callback.Result(result, err)
		return result, err
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
