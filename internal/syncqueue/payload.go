package syncqueue

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

// TimeEntryPayload posts one employee's settled hours for a pay period.
type TimeEntryPayload struct {
	PayPeriodID   int64           `json:"pay_period_id" validate:"required"`
	PersonnelID   int64           `json:"personnel_id" validate:"required"`
	PeriodStart   time.Time       `json:"period_start" validate:"required"`
	PeriodEnd     time.Time       `json:"period_end" validate:"required"`
	RegularHours  decimal.Decimal `json:"regular_hours"`
	OvertimeHours decimal.Decimal `json:"overtime_hours"`
	Memo          string          `json:"memo,omitempty" validate:"max=4095"`
}

// EmployeePayload creates or updates the external employee record.
type EmployeePayload struct {
	PersonnelID int64  `json:"personnel_id" validate:"required"`
	FirstName   string `json:"first_name" validate:"required,max=25"`
	LastName    string `json:"last_name" validate:"max=25"`
	DisplayName string `json:"display_name" validate:"required"`
	Active      bool   `json:"active"`
}

// PaycheckQueryPayload asks for paychecks issued within a date window.
type PaycheckQueryPayload struct {
	PayPeriodID int64     `json:"pay_period_id"`
	PeriodStart time.Time `json:"period_start" validate:"required"`
	PeriodEnd   time.Time `json:"period_end" validate:"required"`
}

type schemaKey struct {
	t ItemType
	a Action
}

var schemas = map[schemaKey]reflect.Type{
	{TypeTimeEntry, ActionAdd}:       reflect.TypeOf(TimeEntryPayload{}),
	{TypeTimeEntry, ActionModify}:    reflect.TypeOf(TimeEntryPayload{}),
	{TypeEmployee, ActionAdd}:        reflect.TypeOf(EmployeePayload{}),
	{TypeEmployee, ActionModify}:     reflect.TypeOf(EmployeePayload{}),
	{TypePaycheckQuery, ActionQuery}: reflect.TypeOf(PaycheckQueryPayload{}),
}

func validatePayload(v *validator.Validate, t ItemType, a Action, payload any) (json.RawMessage, error) {
	want, ok := schemas[schemaKey{t, a}]
	if !ok {
		return nil, shared.ValidationError("syncqueue: unsupported operation %s/%s", t, a)
	}
	val := reflect.ValueOf(payload)
	if val.Kind() == reflect.Pointer && !val.IsNil() {
		val = val.Elem()
	}
	if !val.IsValid() || val.Type() != want {
		return nil, shared.ValidationError("syncqueue: %s/%s expects %s payload", t, a, want.Name())
	}
	if err := v.Struct(val.Interface()); err != nil {
		return nil, shared.ValidationError("syncqueue: invalid %s payload: %v", want.Name(), err)
	}
	switch p := val.Interface().(type) {
	case TimeEntryPayload:
		if p.PeriodEnd.Before(p.PeriodStart) {
			return nil, shared.ValidationError("syncqueue: period end before start")
		}
		if p.RegularHours.IsNegative() || p.OvertimeHours.IsNegative() {
			return nil, shared.ValidationError("syncqueue: hours cannot be negative")
		}
	case PaycheckQueryPayload:
		if p.PeriodEnd.Before(p.PeriodStart) {
			return nil, shared.ValidationError("syncqueue: period end before start")
		}
	}
	raw, err := json.Marshal(val.Interface())
	if err != nil {
		return nil, fmt.Errorf("syncqueue: marshal payload: %w", err)
	}
	return raw, nil
}

// DecodePayload unmarshals an item's payload into the schema for its tag.
func DecodePayload(item Item) (any, error) {
	want, ok := schemas[schemaKey{item.Type, item.Action}]
	if !ok {
		return nil, shared.TerminalSyncError("unsupported_operation", fmt.Sprintf("unsupported operation %s/%s", item.Type, item.Action))
	}
	ptr := reflect.New(want)
	if err := json.Unmarshal(item.Payload, ptr.Interface()); err != nil {
		return nil, shared.TerminalSyncError("bad_payload", fmt.Sprintf("decode %s payload: %v", want.Name(), err))
	}
	return ptr.Elem().Interface(), nil
}
