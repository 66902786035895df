package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/nerrad567/gray-logic-rules/internal/item"
	"github.com/nerrad567/gray-logic-rules/internal/platform"
)

func TestListItems(t *testing.T) {
	env := testServer(t)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "", []string{"Door", "Hall_Light", "Lights", "Temp"}},
		{"by type", "?type=Switch", []string{"Hall_Light"}},
		{"by group", "?group=Lights", []string{"Hall_Light"}},
		{"no match", "?group=Heating", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodGet, "/api/v1/items"+tt.query, "", env.token)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			var resp struct {
				Items []item.Item `json:"items"`
				Count int         `json:"count"`
			}
			decodeBody(t, w, &resp)
			if resp.Count != len(tt.want) {
				t.Fatalf("count = %d, want %d", resp.Count, len(tt.want))
			}
			for i, name := range tt.want {
				if resp.Items[i].Name != name {
					t.Errorf("items[%d] = %s, want %s", i, resp.Items[i].Name, name)
				}
			}
		})
	}
}

func TestGetItem(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodGet, "/api/v1/items/Temp", "", env.token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var it item.Item
	decodeBody(t, w, &it)
	if it.Name != "Temp" || !it.State.Equal(item.Number(21.5)) {
		t.Errorf("item = %+v", it)
	}

	if w := env.do(http.MethodGet, "/api/v1/items/Nope", "", env.token); w.Code != http.StatusNotFound {
		t.Errorf("missing item status = %d, want 404", w.Code)
	}
}

func TestItemCommand(t *testing.T) {
	env := testServer(t)

	tests := []struct {
		name       string
		item       string
		body       string
		wantStatus int
		wantValue  item.State
	}{
		{"switch on", "Hall_Light", `{"value":"ON"}`, http.StatusAccepted, item.ON},
		{"boolean", "Hall_Light", `{"value":false}`, http.StatusAccepted, item.OFF},
		{"number", "Temp", `{"value":19}`, http.StatusAccepted, item.Number(19)},
		{"quantity", "Temp", `{"value":"19 °C"}`, http.StatusAccepted, item.Quantity(19, "°C")},
		{"contact rejects commands", "Door", `{"value":"OPEN"}`, http.StatusUnprocessableEntity, item.State{}},
		{"unknown item", "Nope", `{"value":"ON"}`, http.StatusNotFound, item.State{}},
		{"missing value", "Hall_Light", `{}`, http.StatusBadRequest, item.State{}},
		{"null value", "Hall_Light", `{"value":null}`, http.StatusBadRequest, item.State{}},
		{"invalid JSON", "Hall_Light", `{"value":`, http.StatusBadRequest, item.State{}},
		{"unsupported value", "Hall_Light", `{"value":[1,2]}`, http.StatusBadRequest, item.State{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(env.items.commands)
			w := env.do(http.MethodPost, "/api/v1/items/"+tt.item+"/command", tt.body, env.token)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusAccepted {
				if len(env.items.commands) != before {
					t.Error("rejected command reached the item service")
				}
				return
			}
			last := env.items.commands[len(env.items.commands)-1]
			if last.Name != tt.item || !last.Value.Equal(tt.wantValue) {
				t.Errorf("command = %+v, want %s %s", last, tt.item, tt.wantValue)
			}
		})
	}
}

func TestItemCommand_ServiceErrors(t *testing.T) {
	env := testServer(t)

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"platform closed", platform.ErrClosed, http.StatusServiceUnavailable},
		{"bus failure", errors.New("mqtt: not connected"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.items.commandErr = tt.err
			w := env.do(http.MethodPost, "/api/v1/items/Hall_Light/command", `{"value":"ON"}`, env.token)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestItemState(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodPut, "/api/v1/items/Door/state", `{"value":"OPEN"}`, env.token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	var it item.Item
	decodeBody(t, w, &it)
	if !it.State.Equal(item.OPEN) {
		t.Errorf("state = %s, want OPEN", it.State)
	}
	if len(env.items.updates) != 1 || len(env.items.commands) != 0 {
		t.Errorf("updates = %d, commands = %d, want 1 and 0", len(env.items.updates), len(env.items.commands))
	}

	if w := env.do(http.MethodPut, "/api/v1/items/Nope/state", `{"value":"OPEN"}`, env.token); w.Code != http.StatusNotFound {
		t.Errorf("missing item status = %d, want 404", w.Code)
	}
	if w := env.do(http.MethodPut, "/api/v1/items/Door/state", `{"value":"OPEN"}`, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", w.Code)
	}
}
