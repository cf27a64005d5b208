package runtime

import (
	"context"
	"encoding/json"
	"os"
	goruntime "runtime"
	"strconv"
	"strings"

	"github.com/planmesh/core/internal/fault"
	"github.com/planmesh/core/internal/planner"
	"github.com/planmesh/core/internal/protocol"
	"github.com/planmesh/core/internal/router"
)

// Content types on planner traffic. Agents echo the task id back inside
// a result payload, or report failure with the error envelope.
const (
	TaskContentType  = "application/x-core-task+json"
	ErrorContentType = "application/x-core-error+json"
)

// TaskEnvelope is the payload of a dispatched task frame.
type TaskEnvelope struct {
	PlanID string          `json:"plan_id"`
	TaskID string          `json:"task_id"`
	Action string          `json:"action"`
	Inputs json.RawMessage `json:"inputs,omitempty"`
}

// ErrorEnvelope is how an agent reports task failure in a response frame.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// fabricDispatcher executes planner tasks as request-response frames
// from the core's own fabric address.
type fabricDispatcher struct {
	fabric *router.Router
}

func (d *fabricDispatcher) Dispatch(ctx context.Context, call planner.TaskCall) ([]byte, error) {
	payload, err := json.Marshal(TaskEnvelope{
		PlanID: call.PlanID,
		TaskID: call.TaskID,
		Action: call.Action,
		Inputs: call.Inputs,
	})
	if err != nil {
		return nil, fault.Wrap(fault.CodeInvalidMessage, err)
	}

	frame := protocol.NewFrame(protocol.PatternRequestResponse, call.Priority, payload)
	source, err := protocol.EncodeName(ReservedName)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInvalidMessage, err)
	}
	target, err := protocol.EncodeName(call.Agent)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInvalidMessage, err)
	}
	frame.Header.Source = source
	frame.Header.Target = target
	frame.Header.ContentType = protocol.EncodeContentType(TaskContentType)

	resp, err := d.fabric.Request(ctx, router.SendRequest{
		Frame:    frame,
		Deadline: call.Deadline,
	})
	if err != nil {
		return nil, err
	}

	if protocol.DecodeContentType(resp.Header.ContentType) == ErrorContentType {
		var env ErrorEnvelope
		if err := json.Unmarshal(resp.Payload, &env); err != nil || env.Error.Code == "" {
			return nil, fault.New(fault.CodeTransportFailed, "agent %q returned a malformed error payload", call.Agent)
		}
		return nil, fault.New(fault.Code(env.Error.Code), "%s", env.Error.Message)
	}
	return resp.Payload, nil
}

// capacityView feeds the planner's per-wave sizing. Dispatch slots are
// blocked waits on agent replies, not CPU work, so the ceiling scales
// past the core count; saturation comes from fabric queue depths.
func (c *Core) capacityView() planner.CapacityView {
	return planner.CapacityView{
		MaxParallel:       2 * goruntime.GOMAXPROCS(0),
		BackpressureLevel: c.fabric.Saturation(),
	}
}

// ============================================================================
// THERMAL SAMPLING
// ============================================================================

const (
	thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"

	// sysfs reports millidegrees Celsius.
	thermalHotMilliC      = 85000
	thermalCriticalMilliC = 95000
)

// readThermalLevel samples the host thermal zone. Hosts without the
// sysfs node (or with an unreadable one) report normal.
func readThermalLevel() planner.ThermalLevel {
	return thermalLevelFrom(thermalZonePath)
}

func thermalLevelFrom(path string) planner.ThermalLevel {
	raw, err := os.ReadFile(path)
	if err != nil {
		return planner.ThermalNormal
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return planner.ThermalNormal
	}
	switch {
	case milli >= thermalCriticalMilliC:
		return planner.ThermalCritical
	case milli >= thermalHotMilliC:
		return planner.ThermalHot
	default:
		return planner.ThermalNormal
	}
}
