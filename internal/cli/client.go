package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// OrderResponse is an order instance as returned by the API.
type OrderResponse struct {
	ID       string `json:"id"`
	Workflow string `json:"workflow"`
	Status   string `json:"status"`
	State    string `json:"state"`
	LastSeq  int64  `json:"last_seq"`
	Output   any    `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// EventResponse is one history event as returned by the API.
type EventResponse struct {
	Seq      int64  `json:"seq"`
	Kind     string `json:"kind"`
	At       string `json:"at"`
	State    string `json:"state,omitempty"`
	Activity string `json:"activity,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Error    string `json:"error,omitempty"`
	Final    bool   `json:"final,omitempty"`
}

// ItemRequest is one order line in a create request.
type ItemRequest struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// CreateOrderRequest creates an order.
type CreateOrderRequest struct {
	OrderID  string        `json:"order_id"`
	Customer string        `json:"customer"`
	Items    []ItemRequest `json:"items"`
	Address  string        `json:"address"`
}

type signalRequest struct {
	Kind    string `json:"kind"`
	Key     string `json:"key,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client is the HTTP client for the orderflow API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PlaceOrder submits a new order.
func (c *Client) PlaceOrder(req CreateOrderRequest) (*OrderResponse, error) {
	var order OrderResponse
	err := c.post("/api/v1/orders", req, &order)
	return &order, err
}

// ListOrders returns order instances, optionally filtered by status.
func (c *Client) ListOrders(status string) ([]OrderResponse, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	var orders []OrderResponse
	err := c.list("/api/v1/orders", params, &orders)
	return orders, err
}

// GetOrder returns one order by id.
func (c *Client) GetOrder(id string) (*OrderResponse, error) {
	var order OrderResponse
	err := c.get("/api/v1/orders/"+id, &order)
	return &order, err
}

// GetHistory returns the event history of an order.
func (c *Client) GetHistory(id string) ([]EventResponse, error) {
	var events []EventResponse
	err := c.list("/api/v1/orders/"+id+"/history", nil, &events)
	return events, err
}

// Signal delivers a signal to an order.
func (c *Client) Signal(id, kind, key string, payload any) error {
	return c.post("/api/v1/orders/"+id+"/signals", signalRequest{
		Kind:    kind,
		Key:     key,
		Payload: payload,
	}, nil)
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error.Message == "" {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
