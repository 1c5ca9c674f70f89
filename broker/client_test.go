package broker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBridge(t *testing.T, handler http.HandlerFunc) *APIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAPIClient("key", "secret", srv.URL, 5)
}

func TestAPIClient_SignsRequests(t *testing.T) {
	var gotKey, gotSig, gotTS, gotPath string
	client := newBridge(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-KEY")
		gotSig = r.Header.Get("X-SIGNATURE")
		gotTS = r.Header.Get("X-TIMESTAMP")
		gotPath = r.URL.RequestURI()
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.Ping(context.Background()))
	assert.Equal(t, "key", gotKey)
	assert.Equal(t, client.sign(gotTS, http.MethodGet, gotPath, nil), gotSig)
}

func TestAPIClient_ListOpenPositionsFiltersMagic(t *testing.T) {
	client := newBridge(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/positions", r.URL.Path)
		assert.Equal(t, "XAUUSD", r.URL.Query().Get("symbol"))
		assert.Equal(t, "77", r.URL.Query().Get("magic"))
		_, _ = io.WriteString(w, `{"positions":[
			{"ticket":1,"symbol":"XAUUSD","type":"BUY","volume":0.1,"price_open":2000,"sl":0,"magic":77,"comment":"Tango_Initial","time":1700000000},
			{"ticket":2,"symbol":"XAUUSD","type":"SELL","volume":0.1,"price_open":1999,"magic":5},
			{"ticket":3,"symbol":"XAUUSD","type":"sell","volume":0.1,"price_open":1999,"sl":2001.5,"magic":77}
		]}`)
	})

	positions, err := client.ListOpenPositions(context.Background(), "XAUUSD", 77)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, int64(1), positions[0].Ticket)
	assert.Equal(t, Buy, positions[0].Direction)
	assert.Equal(t, "Tango_Initial", positions[0].Comment)
	assert.Equal(t, time.Unix(1700000000, 0), positions[0].OpenTime)
	assert.Equal(t, Sell, positions[1].Direction)
	assert.Equal(t, 2001.5, positions[1].StopLoss)
}

func TestAPIClient_OpenPosition(t *testing.T) {
	client := newBridge(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req orderRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "SELL", req.Type)
		assert.Equal(t, 0.0, req.StopLoss)
		assert.Equal(t, 0.0, req.TakeProfit)
		assert.NotEmpty(t, req.RequestID)
		_, _ = io.WriteString(w, `{"ticket":991}`)
	})

	ticket, err := client.OpenPosition(context.Background(), OpenRequest{Symbol: "XAUUSD", Direction: Sell, Volume: 0.1, Magic: 77, Comment: "Tango_Hedge_1_1"})
	require.NoError(t, err)
	assert.Equal(t, int64(991), ticket)
}

func TestAPIClient_ErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, ErrOrderRejected},
		{http.StatusNotFound, ErrPositionNotFound},
		{http.StatusBadGateway, ErrConnectionLost},
	}
	for _, tc := range cases {
		client := newBridge(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"code":10016,"message":"Invalid stops"}`)
		})
		err := client.ModifyStopLoss(context.Background(), 5, 1999)
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
	}
}

func TestAPIClient_UnreachableIsConnectionLost(t *testing.T) {
	client := NewAPIClient("k", "s", "http://127.0.0.1:1", 1)
	_, err := client.CurrentPrice(context.Background(), "XAUUSD")
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestAPIClient_CurrentPrice(t *testing.T) {
	client := newBridge(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/symbols/XAUUSD/tick", r.URL.Path)
		_, _ = io.WriteString(w, `{"bid":1999.5,"ask":1999.7,"time_msc":1700000000123}`)
	})
	q, err := client.CurrentPrice(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, 1999.5, q.Bid)
	assert.Equal(t, 1999.7, q.Ask)
	assert.Equal(t, time.UnixMilli(1700000000123), q.Time)
	assert.Equal(t, 1999.5, q.MarkPrice(Buy))
	assert.Equal(t, 1999.7, q.MarkPrice(Sell))
}
