package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	obslogger "github.com/smallbiznis/orderflow/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
	RoleSystem   = "system"
)

const (
	ObjectOrder   = "order"
	ObjectPayment = "payment"
	ObjectRefund  = "refund"
	ObjectLedger  = "ledger"
	ObjectTest    = "test"
)

const (
	ActionOrderView   = "order.view"
	ActionOrderCreate = "order.create"

	ActionPaymentView = "payment.view"

	ActionRefundView   = "refund.view"
	ActionRefundCreate = "refund.create"

	ActionLedgerPurge = "ledger.purge"

	ActionTestManage = "test.manage"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, role string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return ErrInvalidRole
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject := fmt.Sprintf("operator:%s", actor)
	if err := s.ensureGrouping(subject, fmt.Sprintf("role:%s", role)); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		obslogger.WithContext(ctx, s.log).Warn("authorization denied",
			zap.String("subject", subject),
			zap.String("role", role),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		obslogger.WithContext(ctx, s.log).Info("authorization granted",
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
		)
	}
	return nil
}

// ensureGrouping keeps exactly one role link per subject, so a role change
// in the credential config takes effect on the next request.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionRefundCreate, ActionLedgerPurge, ActionTestManage:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Viewer permissions (read-only)
		{"role:viewer", ObjectOrder, ActionOrderView},
		{"role:viewer", ObjectPayment, ActionPaymentView},
		{"role:viewer", ObjectRefund, ActionRefundView},

		// Operator permissions
		{"role:operator", ObjectOrder, ActionOrderView},
		{"role:operator", ObjectOrder, ActionOrderCreate},
		{"role:operator", ObjectPayment, ActionPaymentView},
		{"role:operator", ObjectRefund, ActionRefundView},
		{"role:operator", ObjectRefund, ActionRefundCreate},
		{"role:operator", ObjectLedger, ActionLedgerPurge},
		{"role:operator", ObjectTest, ActionTestManage},

		// System permissions (scheduler and CLI)
		{"role:system", ObjectLedger, ActionLedgerPurge},
	}

	for _, policy := range policies {
		if len(policy) < 3 {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
