package rest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/gpuenteallott/pod/pkg/protocol"
	"github.com/gpuenteallott/pod/pkg/types"
)

// registerHandlers binds every supported action code to its handler.
func (s *Server) registerHandlers() {
	s.dispatcher.Handle(protocol.ActionAck, s.heartbeat)

	s.dispatcher.Handle(protocol.ActionNewActivity, s.newActivity)
	s.dispatcher.Handle(protocol.ActionDeleteActivity, s.deleteActivity)
	s.dispatcher.Handle(protocol.ActionGetActivityStatus, s.getActivityStatus)
	s.dispatcher.Handle(protocol.ActionReportActivity, s.reportActivity)

	s.dispatcher.Handle(protocol.ActionNewExecution, s.newExecution)
	s.dispatcher.Handle(protocol.ActionGetExecutionStatus, s.getExecutionStatus)
	s.dispatcher.Handle(protocol.ActionReportExecution, s.reportExecution)
	s.dispatcher.Handle(protocol.ActionTerminateExecution, s.terminateExecution)

	s.dispatcher.Handle(protocol.ActionNewPolicy, s.newPolicy)
	s.dispatcher.Handle(protocol.ActionDeletePolicy, s.deletePolicy)
	s.dispatcher.Handle(protocol.ActionApplyPolicy, s.applyPolicy)
	s.dispatcher.Handle(protocol.ActionResetPolicies, s.resetPolicies)
	s.dispatcher.Handle(protocol.ActionGetActivePolicy, s.getActivePolicy)
	s.dispatcher.Handle(protocol.ActionGetPolicies, s.getPolicies)

	s.dispatcher.Handle(protocol.ActionGetWorkers, s.getWorkers)
}

func decode(body []byte) (*protocol.Envelope, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// heartbeat refreshes a worker's liveness window. A pending worker's
// first heartbeat also marks it ready for work.
func (s *Server) heartbeat(body []byte) any {
	env, err := decode(body)
	if err != nil || env.Report == nil {
		return protocol.Ack()
	}
	ctx := context.Background()
	w, err := s.store.Worker(ctx, env.Report.WorkerID)
	if err != nil || w == nil {
		return protocol.Ack()
	}
	w.LastTimeAlive = time.Now()
	if w.Status == types.WorkerPending {
		w.Status = types.WorkerReady
	}
	if err := s.store.UpdateWorker(ctx, w); err != nil {
		s.log.Error("heartbeat update", zap.Int64("workerId", w.ID), zap.Error(err))
	}
	return protocol.Ack()
}

func (s *Server) newActivity(body []byte) any {
	env, err := decode(body)
	if err != nil || env.Activity == nil {
		return protocol.ErrorResponse{Error: "activity is required"}
	}
	a, err := s.activities.NewActivity(context.Background(), env.Activity.Name, env.Activity.ScriptLocation)
	if err != nil {
		return protocol.Errorf(err)
	}
	return a
}

func (s *Server) deleteActivity(body []byte) any {
	env, err := decode(body)
	if err != nil || env.Activity == nil {
		return protocol.ErrorResponse{Error: "activity is required"}
	}
	a, err := s.activities.DeleteActivity(context.Background(), env.Activity.Name)
	if err != nil {
		return protocol.Errorf(err)
	}
	return a
}

func (s *Server) getActivityStatus(body []byte) any {
	env, err := decode(body)
	if err != nil || env.Activity == nil {
		return protocol.ErrorResponse{Error: "activity is required"}
	}
	a, installations, err := s.activities.ActivityStatus(context.Background(), env.Activity.Name)
	if err != nil {
		return protocol.Errorf(err)
	}
	return struct {
		Activity      *types.Activity       `json:"activity"`
		Installations []*types.Installation `json:"installations"`
	}{a, installations}
}

// reportActivity records the installation verdict and always offers
// the reporting worker queued work it can take.
func (s *Server) reportActivity(body []byte) any {
	env, err := decode(body)
	if err != nil || env.Report == nil {
		return protocol.ErrorResponse{Error: "report is required"}
	}
	ctx := context.Background()
	if err := s.activities.HandleReport(ctx, env.Report); err != nil {
		return protocol.Errorf(err)
	}
	return s.scheduler.Chain(ctx, env.Report.WorkerID)
}

func (s *Server) newExecution(body []byte) any {
	env, err := decode(body)
	if err != nil || env.Execution == nil {
		return protocol.ErrorResponse{Error: "execution is required"}
	}
	e, err := s.scheduler.NewExecution(context.Background(), env.Execution.Name, env.Execution.Input)
	if err != nil {
		return protocol.Errorf(err)
	}
	return e
}

func (s *Server) getExecutionStatus(body []byte) any {
	env, err := decode(body)
	if err != nil || env.Execution == nil {
		return protocol.ErrorResponse{Error: "execution is required"}
	}
	e, err := s.scheduler.GetExecutionStatus(context.Background(), env.Execution.ID)
	if err != nil {
		return protocol.Errorf(err)
	}
	return e
}

func (s *Server) reportExecution(body []byte) any {
	env, err := decode(body)
	if err != nil || env.Report == nil {
		return protocol.ErrorResponse{Error: "report is required"}
	}
	return s.scheduler.HandleReport(context.Background(), env.Report)
}

func (s *Server) terminateExecution(body []byte) any {
	env, err := decode(body)
	if err != nil || env.Execution == nil {
		return protocol.ErrorResponse{Error: "execution is required"}
	}
	resp, err := s.scheduler.TerminateExecution(context.Background(), env.Execution.ID)
	if err != nil {
		return protocol.Errorf(err)
	}
	return resp
}

func (s *Server) newPolicy(body []byte) any {
	env, err := decode(body)
	if err != nil || env.Policy == nil {
		return protocol.ErrorResponse{Error: "policy is required"}
	}
	p, err := s.policies.NewPolicy(context.Background(), env.Policy.Name, env.Policy.Rules)
	if err != nil {
		return protocol.Errorf(err)
	}
	return p
}

func (s *Server) deletePolicy(body []byte) any {
	env, err := decode(body)
	if err != nil || env.Policy == nil {
		return protocol.ErrorResponse{Error: "policy is required"}
	}
	if err := s.policies.DeletePolicy(context.Background(), env.Policy.Name); err != nil {
		return protocol.Errorf(err)
	}
	return protocol.Ack()
}

func (s *Server) applyPolicy(body []byte) any {
	env, err := decode(body)
	if err != nil || env.Policy == nil {
		return protocol.ErrorResponse{Error: "policy is required"}
	}
	p, err := s.policies.ApplyPolicy(context.Background(), env.Policy.Name)
	if err != nil {
		return protocol.Errorf(err)
	}
	return p
}

func (s *Server) resetPolicies([]byte) any {
	if err := s.policies.Reset(context.Background()); err != nil {
		return protocol.Errorf(err)
	}
	return protocol.Ack()
}

func (s *Server) getActivePolicy([]byte) any {
	p, err := s.policies.Active(context.Background())
	if err != nil {
		return protocol.Errorf(err)
	}
	if p == nil {
		return protocol.Errorf(errors.New("no active policy"))
	}
	return p
}

func (s *Server) getPolicies([]byte) any {
	list, err := s.policies.Policies(context.Background())
	if err != nil {
		return protocol.Errorf(err)
	}
	return struct {
		Policies []*types.Policy `json:"policies"`
	}{list}
}

func (s *Server) getWorkers([]byte) any {
	workers, err := s.store.Workers(context.Background())
	if err != nil {
		return protocol.Errorf(err)
	}
	return struct {
		Workers []*types.Worker `json:"workers"`
	}{workers}
}
