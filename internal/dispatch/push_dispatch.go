package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// PushNotifier tries the driver's live websocket first and falls back to an
// HTTP push endpoint (FCM-style relay). It also carries the rider-facing
// no-driver alert, which always goes over push.
type PushNotifier struct {
	WS       *WSRegistry
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(ws *WSRegistry, endpoint, key string) *PushNotifier {
	return &PushNotifier{WS: ws, Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushNotifier) Notify(driverID string, payload Payload) error {
	if p.WS != nil {
		if err := p.WS.Notify(driverID, payload); err == nil {
			return nil
		}
	}
	return p.post(map[string]any{"driver_id": driverID, "message": payload})
}

func (p *PushNotifier) Recall(driverID, requestID string) error {
	return p.Notify(driverID, Payload{Type: TypeRecall, RequestID: requestID})
}

func (p *PushNotifier) NoDriverFound(riderID, requestID string) error {
	return p.post(map[string]any{
		"rider_id": riderID,
		"message":  Payload{Type: TypeNoDriverFound, RequestID: requestID},
	})
}

func (p *PushNotifier) post(body map[string]any) error {
	if p.Endpoint == "" {
		return nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
