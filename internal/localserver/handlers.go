package localserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"edgeruntime/internal/appmanager"
	"edgeruntime/internal/enum"
	"edgeruntime/internal/loghub"
	"edgeruntime/internal/model"
	"edgeruntime/internal/pubsub"
	"edgeruntime/internal/signal"
	"edgeruntime/internal/store"
)

// Deps bundles the components the handlers in this file dispatch into.
type Deps struct {
	Apps      *appmanager.Manager
	Logs      *loghub.Hub
	Signals   *signal.Gateway
	RuntimeID string
	Port      int
	StartedAt time.Time

	// MockServiceAppID and KuksaServerAppID, when non-empty, identify the
	// fixed-id sidecar Applications mock_service_* and kuksa_server_deployment
	// manage (spec.md §4.11's bootstrapped-sidecar concept).
	MockServiceAppID string
	KuksaServerAppID string
}

// Register wires every supported message type into d against deps.
func Register(d *Dispatcher, deps Deps) error {
	regs := []struct {
		msgType string
		schema  string
		handler Handler
	}{
		{"ping", "", deps.handlePing},
		{"get_runtime_info", "", deps.handleGetRuntimeInfo},
		{"deploy_request", "", deps.handleDeployRequest},
		{"list_deployed_apps", "", deps.handleListDeployedApps},
		{"manage_app", "", deps.handleManageApp},
		{"stop_app", "", deps.handleStopApp},
		{"get_app_status", "", deps.handleGetAppStatus},
		{"app_log_subscribe", "", deps.handleLogSubscribe},
		{"app_log_unsubscribe", "", deps.handleLogUnsubscribe},
		{"mock_service_status", "", deps.handleMockServiceStatus},
		{"mock_service_start", "", deps.handleMockServiceStart},
		{"mock_service_stop", "", deps.handleMockServiceStop},
		{"mock_service_configure", "", deps.handleMockServiceConfigure},
		{"kuksa_server_deployment", "", deps.handleKuksaServerDeployment},
	}
	for _, r := range regs {
		if err := d.Register(r.msgType, r.schema, r.handler); err != nil {
			return err
		}
	}
	return nil
}

func (deps Deps) handlePing(ctx context.Context, reqCtx RequestContext, id string, raw json.RawMessage) (map[string]any, error) {
	return map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339)}, nil
}

func (deps Deps) handleGetRuntimeInfo(ctx context.Context, reqCtx RequestContext, id string, raw json.RawMessage) (map[string]any, error) {
	status := "healthy"
	if deps.Signals != nil && deps.Signals.Degraded() {
		status = "degraded"
	}
	return map[string]any{
		"runtimeId":    deps.RuntimeID,
		"status":       status,
		"capabilities": []string{"python", "binary", "docker"},
		"port":         deps.Port,
		"uptimeSeconds": int(time.Since(deps.StartedAt).Seconds()),
	}, nil
}

type prototypePayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Type        string `json:"type"`
	Code        string `json:"code"`
	Config      struct {
		DockerCommand []string `json:"dockerCommand"`
	} `json:"config"`
}

type deployRequestPayload struct {
	Prototype prototypePayload `json:"prototype"`
	VehicleID string           `json:"vehicleId"`
	Code      string           `json:"code"`
	AutoStart *bool            `json:"autoStart"`
}

type deployManifest struct {
	Image          string            `json:"image,omitempty"`
	Cmd            []string          `json:"cmd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	DockerCommand  []string          `json:"docker_command,omitempty"`
	KuksaServerURL string            `json:"kuksa_server_url,omitempty"`
}

// handleDeployRequest builds and installs an Application from a prototype
// payload, per spec.md §9's dedup rule: redeploying the same prototype.id
// returns the existing record rather than installing a duplicate, and never
// restarts an already-running app.
func (deps Deps) handleDeployRequest(ctx context.Context, reqCtx RequestContext, id string, raw json.RawMessage) (map[string]any, error) {
	var payload deployRequestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("malformed deploy_request: %w", err)
	}
	proto := payload.Prototype
	if proto.ID == "" {
		return nil, fmt.Errorf("deploy_request: prototype.id is required")
	}

	code := proto.Code
	if code == "" {
		code = payload.Code
	}

	if existing, err := deps.Apps.Get(ctx, proto.ID); err == nil {
		return deployResponse(ctx, deps.Apps, existing.AppID, "started"), nil
	}

	manifest := deployManifest{Env: map[string]string{}}
	var appType enum.AppType
	switch proto.Type {
	case "python":
		appType = enum.AppTypePython
		manifest.Image = "python:3.11-slim"
		manifest.Cmd = []string{"python3", "-c", code}
	case "binary":
		appType = enum.AppTypeBinary
		manifest.Image = proto.Name
		manifest.Cmd = []string{"/bin/" + proto.Name}
	case "docker":
		appType = enum.AppTypeContainer
		manifest.DockerCommand = proto.Config.DockerCommand
	default:
		return nil, fmt.Errorf("deploy_request: unsupported prototype.type %q", proto.Type)
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("deploy_request: encoding manifest: %w", err)
	}

	autoStart := true
	if payload.AutoStart != nil {
		autoStart = *payload.AutoStart
	}

	app := model.Application{
		AppID:         proto.ID,
		Name:          proto.Name,
		Type:          appType,
		Version:       proto.Version,
		RestartPolicy: enum.RestartOnFailure,
		AutoStart:     autoStart,
		Manifest:      string(manifestJSON),
		Source:        "deploy_request",
	}
	if err := deps.Apps.Install(ctx, app); err != nil {
		return nil, fmt.Errorf("deploy_request: installing %s: %w", app.AppID, err)
	}

	status := "started"
	if autoStart {
		if err := deps.Apps.Start(ctx, app.AppID); err != nil {
			status = "failed"
		}
	} else {
		status = "installed"
	}

	return deployResponse(ctx, deps.Apps, app.AppID, status), nil
}

func deployResponse(ctx context.Context, apps *appmanager.Manager, appID, status string) map[string]any {
	executionID := uuid.NewString()
	isDone := status != "started"
	resp := map[string]any{
		"executionId": executionID,
		"appId":       appID,
		"status":      status,
		"isDone":      isDone,
	}
	if state, err := apps.Status(appID); err == nil {
		resp["result"] = string(state)
	}
	return resp
}

type listDeployedAppsPayload struct {
	Status string `json:"status"`
	Type   string `json:"type"`
	Name   string `json:"name"`
}

// handleListDeployedApps lists Applications, optionally narrowed by status,
// type, and/or a name substring (spec.md §4.1's listApplications(filter)).
func (deps Deps) handleListDeployedApps(ctx context.Context, reqCtx RequestContext, id string, raw json.RawMessage) (map[string]any, error) {
	var payload listDeployedAppsPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("malformed list_deployed_apps: %w", err)
		}
	}

	filter := store.ApplicationFilter{
		Status: enum.AppStatus(payload.Status),
		Type:   enum.AppType(payload.Type),
	}
	if payload.Name != "" {
		filter.NamePattern = "%" + payload.Name + "%"
	}

	apps, err := deps.Apps.ListApplications(ctx, filter)
	if err != nil {
		return nil, err
	}
	running := 0
	list := make([]map[string]any, 0, len(apps))
	for _, a := range apps {
		if a.Status == enum.AppStatusRunning {
			running++
		}
		list = append(list, map[string]any{
			"appId":   a.AppID,
			"name":    a.Name,
			"type":    string(a.Type),
			"version": a.Version,
			"status":  string(a.Status),
		})
	}
	return map[string]any{
		"applications": list,
		"totalCount":   len(apps),
		"runningCount": running,
	}, nil
}

type manageAppPayload struct {
	AppID  string `json:"appId"`
	Action string `json:"action"`
}

func (deps Deps) handleManageApp(ctx context.Context, reqCtx RequestContext, id string, raw json.RawMessage) (map[string]any, error) {
	var payload manageAppPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("malformed manage_app: %w", err)
	}

	var err error
	switch payload.Action {
	case "start":
		err = deps.Apps.Start(ctx, payload.AppID)
	case "stop":
		err = deps.Apps.Stop(ctx, payload.AppID)
	case "restart":
		if err = deps.Apps.Stop(ctx, payload.AppID); err == nil {
			err = deps.Apps.Start(ctx, payload.AppID)
		}
	case "pause":
		err = deps.Apps.Pause(ctx, payload.AppID)
	case "resume":
		err = deps.Apps.Resume(ctx, payload.AppID)
	case "remove":
		err = deps.Apps.Remove(ctx, payload.AppID)
	default:
		return nil, fmt.Errorf("manage_app: unknown action %q", payload.Action)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"appId": payload.AppID, "action": payload.Action}, nil
}

type stopAppPayload struct {
	AppID string `json:"appId"`
}

func (deps Deps) handleStopApp(ctx context.Context, reqCtx RequestContext, id string, raw json.RawMessage) (map[string]any, error) {
	var payload stopAppPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("malformed stop_app: %w", err)
	}
	if err := deps.Apps.Stop(ctx, payload.AppID); err != nil {
		return nil, err
	}
	return map[string]any{"appId": payload.AppID}, nil
}

type appIDPayload struct {
	AppID string `json:"appId"`
}

func (deps Deps) handleGetAppStatus(ctx context.Context, reqCtx RequestContext, id string, raw json.RawMessage) (map[string]any, error) {
	var payload appIDPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("malformed get_app_status: %w", err)
	}
	rs, err := deps.Apps.RuntimeState(ctx, payload.AppID)
	if err != nil {
		return nil, err
	}
	resp := map[string]any{
		"appId":        payload.AppID,
		"state":        string(rs.State),
		"restartCount": rs.RestartCount,
	}
	if rs.LastError != "" {
		resp["lastError"] = rs.LastError
	}
	return resp, nil
}

type logSubscribePayload struct {
	AppID string `json:"appId"`
}

func (deps Deps) handleLogSubscribe(ctx context.Context, reqCtx RequestContext, id string, raw json.RawMessage) (map[string]any, error) {
	var payload logSubscribePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("malformed app_log_subscribe: %w", err)
	}

	for _, line := range deps.Logs.Tail(payload.AppID, 100) {
		deps.pushAppOutput(ctx, reqCtx, payload.AppID, string(line.Stream), line.Line)
	}

	ch, cancel := deps.Logs.Subscribe(ctx, payload.AppID)
	go func() {
		defer cancel()
		for raw := range ch {
			var evt pubsub.LogLineEvent
			if err := json.Unmarshal(raw, &evt); err != nil {
				continue
			}
			deps.pushAppOutput(ctx, reqCtx, evt.AppID, evt.Stream, evt.Content)
		}
	}()

	return map[string]any{"appId": payload.AppID, "subscribed": true}, nil
}

func (deps Deps) handleLogUnsubscribe(ctx context.Context, reqCtx RequestContext, id string, raw json.RawMessage) (map[string]any, error) {
	var payload logSubscribePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("malformed app_log_unsubscribe: %w", err)
	}
	return map[string]any{"appId": payload.AppID, "subscribed": false}, nil
}

// pushAppOutput sends an app_output push frame over the originating
// connection, wrapping it for Hub Bridge routing when reqCtx carries a
// request_from token (spec.md §6).
func (deps Deps) pushAppOutput(ctx context.Context, reqCtx RequestContext, appID, outputType, content string) {
	frame := map[string]any{
		"type":       "app_output",
		"app_id":     appID,
		"output_type": outputType,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"content":    content,
	}
	if reqCtx.RequestFrom != "" {
		frame = map[string]any{
			"type":         "messageToKit-kitReply",
			"request_from": reqCtx.RequestFrom,
			"payload":      frame,
		}
	}
	if reqCtx.Conn != nil {
		_ = reqCtx.Conn.Send(ctx, frame)
	}
}

func (deps Deps) handleMockServiceStatus(ctx context.Context, reqCtx RequestContext, id string, raw json.RawMessage) (map[string]any, error) {
	return deps.sidecarStatus(ctx, deps.MockServiceAppID)
}

func (deps Deps) handleMockServiceStart(ctx context.Context, reqCtx RequestContext, id string, raw json.RawMessage) (map[string]any, error) {
	if deps.MockServiceAppID == "" {
		return nil, fmt.Errorf("mock service not provisioned")
	}
	if err := deps.Apps.Start(ctx, deps.MockServiceAppID); err != nil {
		return nil, err
	}
	return deps.sidecarStatus(ctx, deps.MockServiceAppID)
}

func (deps Deps) handleMockServiceStop(ctx context.Context, reqCtx RequestContext, id string, raw json.RawMessage) (map[string]any, error) {
	if deps.MockServiceAppID == "" {
		return nil, fmt.Errorf("mock service not provisioned")
	}
	if err := deps.Apps.Stop(ctx, deps.MockServiceAppID); err != nil {
		return nil, err
	}
	return deps.sidecarStatus(ctx, deps.MockServiceAppID)
}

func (deps Deps) handleMockServiceConfigure(ctx context.Context, reqCtx RequestContext, id string, raw json.RawMessage) (map[string]any, error) {
	if deps.MockServiceAppID == "" {
		return nil, fmt.Errorf("mock service not provisioned")
	}
	return map[string]any{"appId": deps.MockServiceAppID, "configured": true}, nil
}

func (deps Deps) handleKuksaServerDeployment(ctx context.Context, reqCtx RequestContext, id string, raw json.RawMessage) (map[string]any, error) {
	if deps.KuksaServerAppID == "" {
		return nil, fmt.Errorf("kuksa server not provisioned")
	}
	return deps.sidecarStatus(ctx, deps.KuksaServerAppID)
}

func (deps Deps) sidecarStatus(ctx context.Context, appID string) (map[string]any, error) {
	if appID == "" {
		return map[string]any{"provisioned": false}, nil
	}
	state, err := deps.Apps.Status(appID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"appId": appID, "state": string(state)}, nil
}
