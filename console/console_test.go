package console

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ystepanoff/apol/node"
	proto "github.com/ystepanoff/apol/protocol"
)

type submitted struct {
	req     proto.RequestType
	target  proto.Subsystem
	payload uint32
}

type fakeNode struct {
	role      proto.Subsystem
	submitErr error
	submits   []submitted
	power     uint8
	idle      *bool
	pressed   []node.Input
}

func (f *fakeNode) Role() proto.Subsystem { return f.role }

func (f *fakeNode) Status() node.Status {
	return node.Status{Role: f.role.String(), PowerDBm: f.power}
}

func (f *fakeNode) Submit(_ context.Context, req proto.RequestType, target proto.Subsystem, payload uint32) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submits = append(f.submits, submitted{req, target, payload})
	return nil
}

func (f *fakeNode) SetPower(_ context.Context, dbm uint8) error {
	if dbm < proto.MinTxPowerDBm || dbm > proto.MaxTxPowerDBm {
		return proto.ErrInvalidPower
	}
	f.power = dbm
	return nil
}

func (f *fakeNode) SetIdle(enabled bool) { f.idle = &enabled }

func (f *fakeNode) Press(in node.Input) error {
	if f.role != proto.Handheld {
		return fmt.Errorf("%s on %s: %w", in, f.role, node.ErrUnsupportedInput)
	}
	f.pressed = append(f.pressed, in)
	return nil
}

func setup(t *testing.T) (http.Handler, map[proto.Subsystem]*fakeNode) {
	t.Helper()
	fakes := map[proto.Subsystem]*fakeNode{
		proto.Repeater:    {role: proto.Repeater, power: 20},
		proto.Handheld:    {role: proto.Handheld, power: 14},
		proto.PitOutLight: {role: proto.PitOutLight, power: 14},
	}
	var nodes []Node
	for _, f := range fakes {
		nodes = append(nodes, f)
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("apol_events_total 0\n"))
	})
	return New(nodes, Options{Metrics: metrics}).Router(), fakes
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListNodesSortedByRole(t *testing.T) {
	h, _ := setup(t)
	rec := do(t, h, http.MethodGet, "/nodes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got []node.Status
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	var roles []string
	for _, st := range got {
		roles = append(roles, st.Role)
	}
	if strings.Join(roles, ",") != "HHD,POL,RPT" {
		t.Errorf("roles = %v", roles)
	}
}

func TestGetNode(t *testing.T) {
	h, _ := setup(t)

	tests := []struct {
		path string
		want int
	}{
		{"/nodes/HHD", http.StatusOK},
		{"/nodes/hhd", http.StatusOK},
		{"/nodes/VDD", http.StatusNotFound},
		{"/nodes/XYZ", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.path, "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestSubmit(t *testing.T) {
	h, fakes := setup(t)

	rec := do(t, h, http.MethodPost, "/nodes/HHD/submit", `{"request":"GREEN_PULSE","target":"POL","payload":7}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	want := submitted{proto.GreenPulse, proto.PitOutLight, 7}
	if len(fakes[proto.Handheld].submits) != 1 || fakes[proto.Handheld].submits[0] != want {
		t.Errorf("submits = %+v", fakes[proto.Handheld].submits)
	}
}

func TestSubmitErrors(t *testing.T) {
	h, fakes := setup(t)
	fakes[proto.Repeater].submitErr = fmt.Errorf("RED from RPT: %w", proto.ErrQueueFull)

	tests := []struct {
		name string
		path string
		body string
		want int
		code string
	}{
		{"bad json", "/nodes/HHD/submit", `{"request":`, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown field", "/nodes/HHD/submit", `{"colour":"red"}`, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown request", "/nodes/HHD/submit", `{"request":"BLUE","target":"POL"}`, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown target", "/nodes/HHD/submit", `{"request":"RED","target":"XYZ"}`, http.StatusBadRequest, ErrCodeBadRequest},
		{"queue full", "/nodes/RPT/submit", `{"request":"RED","target":"POL"}`, http.StatusConflict, ErrCodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			var apiErr APIError
			if err := json.NewDecoder(rec.Body).Decode(&apiErr); err != nil {
				t.Fatal(err)
			}
			if apiErr.Code != tt.code {
				t.Errorf("code = %q, want %q", apiErr.Code, tt.code)
			}
		})
	}
}

func TestIdleAndPower(t *testing.T) {
	h, fakes := setup(t)
	pol := fakes[proto.PitOutLight]

	if rec := do(t, h, http.MethodPost, "/nodes/POL/idle/disable", ""); rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	if pol.idle == nil || *pol.idle {
		t.Error("idle was not disabled")
	}
	if rec := do(t, h, http.MethodPost, "/nodes/POL/idle/snooze", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad mode status = %d", rec.Code)
	}

	if rec := do(t, h, http.MethodPost, "/nodes/POL/power", `{"dbm":8}`); rec.Code != http.StatusOK {
		t.Fatalf("power status = %d", rec.Code)
	}
	if pol.power != 8 {
		t.Errorf("power = %d, want 8", pol.power)
	}
	if rec := do(t, h, http.MethodPost, "/nodes/POL/power", `{"dbm":30}`); rec.Code != http.StatusBadRequest {
		t.Errorf("out of range power status = %d", rec.Code)
	}
}

func TestInputs(t *testing.T) {
	h, fakes := setup(t)

	if rec := do(t, h, http.MethodPost, "/nodes/HHD/inputs/green-pulse", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := fakes[proto.Handheld].pressed; len(got) != 1 || got[0] != node.InputGreenPulse {
		t.Errorf("pressed = %v", got)
	}
	if rec := do(t, h, http.MethodPost, "/nodes/HHD/inputs/honk", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown input status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/nodes/POL/inputs/green", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unsupported input status = %d", rec.Code)
	}
}

func TestMetricsMounted(t *testing.T) {
	h, _ := setup(t)
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "apol_events_total") {
		t.Errorf("metrics = %d %q", rec.Code, rec.Body.String())
	}
}
