package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func newHttpClient(connectTimeout time.Duration, requestTimeout time.Duration) *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: connectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   requestTimeout,
	}
}

func defaultClient() *http.Client {
	return newHttpClient(defaultHttpConnectTimeout, defaultHttpTimeout)
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

type LumeviewApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewLumeviewApi(apiUrl string) *LumeviewApi {
	return NewLumeviewApiWithContext(context.Background(), apiUrl)
}

func NewLumeviewApiWithContext(ctx context.Context, apiUrl string) *LumeviewApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &LumeviewApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *LumeviewApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	ByJwt string                `json:"by_jwt,omitempty"`
	Error *AuthLoginResultError `json:"error,omitempty"`
}

type AuthLoginResultError struct {
	Message string `json:"message"`
}

func (self *LumeviewApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		callback,
	)
}

func (self *LumeviewApi) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	callback, c := NewBlockingApiCallback[*AuthLoginResult]()
	self.AuthLogin(authLogin, callback)
	r := <-c
	return r.Result, r.Error
}

type CreateSessionCallback apiCallback[*CreateSessionResult]

type CreateSessionArgs struct {
	Dataset string `json:"dataset,omitempty"`
}

type CreateSessionResult struct {
	SessionId  string                    `json:"session_id,omitempty"`
	ChannelUrl string                    `json:"channel_url,omitempty"`
	Error      *CreateSessionResultError `json:"error,omitempty"`
}

type CreateSessionResultError struct {
	Message string `json:"message"`
}

func (self *LumeviewApi) CreateSession(createSession *CreateSessionArgs, callback CreateSessionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/session", self.apiUrl),
		createSession,
		self.byJwt,
		&CreateSessionResult{},
		callback,
	)
}

func (self *LumeviewApi) CreateSessionSync(createSession *CreateSessionArgs) (*CreateSessionResult, error) {
	callback, c := NewBlockingApiCallback[*CreateSessionResult]()
	self.CreateSession(createSession, callback)
	r := <-c
	return r.Result, r.Error
}

type GetSessionsCallback apiCallback[*GetSessionsResult]

type GetSessionsResult struct {
	Sessions []string `json:"sessions"`
}

func (self *LumeviewApi) GetSessions(callback GetSessionsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/sessions", self.apiUrl),
		self.byJwt,
		&GetSessionsResult{},
		callback,
	)
}

func (self *LumeviewApi) GetSessionsSync() (*GetSessionsResult, error) {
	callback, c := NewBlockingApiCallback[*GetSessionsResult]()
	self.GetSessions(callback)
	r := <-c
	return r.Result, r.Error
}

func (self *LumeviewApi) Close() {
	self.cancel()
}

type ByJwt struct {
	UserId    Id
	SessionId string
	Dataset   string
}

func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"]; ok {
		if userId, err := ParseId(userIdStr.(string)); err == nil {
			byJwt.UserId = userId
		}
	}
	if sessionId, ok := claims["session_id"]; ok {
		byJwt.SessionId = sessionId.(string)
	}
	if dataset, ok := claims["dataset"]; ok {
		byJwt.Dataset = dataset.(string)
	}

	return byJwt, nil
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
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

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
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
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
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
		callback.Result(empty, err)
		return empty, err
	}

	responseBodyBytes, err := io.ReadAll(r.Body)
	r.Body.Close()
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
