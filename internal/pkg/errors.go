package pkg

import (
	"errors"
	"fmt"
	"net/http"
)

// AgentError 是 agent 对外暴露的错误类型，Name 为稳定的错误标识
type AgentError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	// Code 为错误对应的 HTTP 状态码；EntityGenericError 时为 Context Broker 返回的状态码
	Code    int `json:"-"`
	Details any `json:"details,omitempty"`
}

func (e *AgentError) Error() string {
	return e.Name + ": " + e.Message
}

// Is 按 Name 比较，便于 errors.Is(err, ErrDeviceNotFound)
func (e *AgentError) Is(target error) bool {
	var t *AgentError
	if !errors.As(target, &t) {
		return false
	}
	return t.Name == e.Name
}

// HTTPStatus 返回对外响应应使用的状态码
func (e *AgentError) HTTPStatus() int {
	switch e.Name {
	case NameEntityGenericError:
		return http.StatusInternalServerError
	case NameConnectionError:
		return http.StatusBadGateway
	}
	if e.Code == 0 {
		return http.StatusInternalServerError
	}
	return e.Code
}

const (
	NameMissingHeaders      = "MISSING_HEADERS"
	NameMissingAttributes   = "MISSING_ATTRIBUTES"
	NameWrongSyntax         = "WRONG_SYNTAX"
	NameBadRequest          = "BAD_REQUEST"
	NameDuplicateGroup      = "DUPLICATE_GROUP"
	NameDuplicateDeviceID   = "DUPLICATE_DEVICE_ID"
	NameDeviceGroupNotFound = "DEVICE_GROUP_NOT_FOUND"
	NameDeviceNotFound      = "DEVICE_NOT_FOUND"
	NameGroupNotFound       = "GROUP_NOT_FOUND"
	NameCommandNotFound     = "COMMAND_NOT_FOUND"
	NameMismatchedService   = "MISMATCHED_SERVICE"
	NameTypeNotFound        = "TYPE_NOT_FOUND"
	NameBadTimestamp        = "BAD_TIMESTAMP"
	NameBadGeocoordinates   = "BAD_GEOCOORDINATES"
	NameInvalidExpression   = "INVALID_EXPRESSION"
	NameEntityGenericError  = "ENTITY_GENERIC_ERROR"
	NameConnectionError     = "CONNECTION_ERROR"
	NameInternalDBError     = "INTERNAL_DB_ERROR"
	NameBadConfiguration    = "BAD_CONFIGURATION"
	NameMethodNotSupported  = "METHOD_NOT_SUPPORTED"
)

// 哨兵错误，仅用于 errors.Is 比较
var (
	ErrMissingHeaders      = &AgentError{Name: NameMissingHeaders}
	ErrMissingAttributes   = &AgentError{Name: NameMissingAttributes}
	ErrWrongSyntax         = &AgentError{Name: NameWrongSyntax}
	ErrBadRequest          = &AgentError{Name: NameBadRequest}
	ErrDuplicateGroup      = &AgentError{Name: NameDuplicateGroup}
	ErrDuplicateDeviceID   = &AgentError{Name: NameDuplicateDeviceID}
	ErrDeviceGroupNotFound = &AgentError{Name: NameDeviceGroupNotFound}
	ErrDeviceNotFound      = &AgentError{Name: NameDeviceNotFound}
	ErrGroupNotFound       = &AgentError{Name: NameGroupNotFound}
	ErrCommandNotFound     = &AgentError{Name: NameCommandNotFound}
	ErrMismatchedService   = &AgentError{Name: NameMismatchedService}
	ErrTypeNotFound        = &AgentError{Name: NameTypeNotFound}
	ErrBadTimestamp        = &AgentError{Name: NameBadTimestamp}
	ErrBadGeocoordinates   = &AgentError{Name: NameBadGeocoordinates}
	ErrInvalidExpression   = &AgentError{Name: NameInvalidExpression}
	ErrEntityGenericError  = &AgentError{Name: NameEntityGenericError}
	ErrConnectionError     = &AgentError{Name: NameConnectionError}
	ErrInternalDBError     = &AgentError{Name: NameInternalDBError}
	ErrBadConfiguration    = &AgentError{Name: NameBadConfiguration}
	ErrMethodNotSupported  = &AgentError{Name: NameMethodNotSupported}
)

func NewMissingHeaders(missing []string) *AgentError {
	return &AgentError{
		Name:    NameMissingHeaders,
		Message: fmt.Sprintf("Some headers were missing from the request: %v", missing),
		Code:    http.StatusBadRequest,
	}
}

func NewMissingAttributes(msg string) *AgentError {
	return &AgentError{
		Name:    NameMissingAttributes,
		Message: "The request was not well formed: " + msg,
		Code:    http.StatusBadRequest,
	}
}

func NewWrongSyntax(body string) *AgentError {
	return &AgentError{
		Name:    NameWrongSyntax,
		Message: "Wrong syntax in request: " + body,
		Code:    http.StatusBadRequest,
	}
}

func NewBadRequest(msg string) *AgentError {
	return &AgentError{Name: NameBadRequest, Message: "Request error connecting to the Context Broker: " + msg, Code: http.StatusBadRequest}
}

func NewDuplicateGroup(resource, apikey string) *AgentError {
	return &AgentError{
		Name:    NameDuplicateGroup,
		Message: fmt.Sprintf("Duplicate group found with resource [%s] and apikey [%s]", resource, apikey),
		Code:    http.StatusConflict,
	}
}

func NewDuplicateDeviceID(deviceID string) *AgentError {
	return &AgentError{
		Name:    NameDuplicateDeviceID,
		Message: fmt.Sprintf("A device with the same pair (Service, DeviceId) was found: %s", deviceID),
		Code:    http.StatusConflict,
	}
}

func NewDeviceGroupNotFound(fields, values []string) *AgentError {
	return &AgentError{
		Name:    NameDeviceGroupNotFound,
		Message: fmt.Sprintf("Couldn't find device group for fields: %v and values: %v", fields, values),
		Code:    http.StatusNotFound,
	}
}

func NewDeviceNotFound(id string) *AgentError {
	return &AgentError{
		Name:    NameDeviceNotFound,
		Message: "No device was found with id:" + id,
		Code:    http.StatusNotFound,
	}
}

func NewGroupNotFound(service, subservice string) *AgentError {
	return &AgentError{
		Name:    NameGroupNotFound,
		Message: fmt.Sprintf("Group not found for service [%s] and subservice [%s]", service, subservice),
		Code:    http.StatusNotFound,
	}
}

func NewCommandNotFound(name string) *AgentError {
	return &AgentError{
		Name:    NameCommandNotFound,
		Message: "Couldn't update the command because no command with the name [" + name + "] was found.",
		Code:    http.StatusBadRequest,
	}
}

func NewMismatchedService(original, target string) *AgentError {
	return &AgentError{
		Name:    NameMismatchedService,
		Message: fmt.Sprintf("The declared service didn't match the stored one in the entity: %s != %s", original, target),
		Code:    http.StatusForbidden,
	}
}

func NewTypeNotFound(id, typ string) *AgentError {
	return &AgentError{
		Name:    NameTypeNotFound,
		Message: fmt.Sprintf("Type : %s not found for device with id: %s", typ, id),
		Code:    http.StatusInternalServerError,
	}
}

func NewBadTimestamp(payload any) *AgentError {
	return &AgentError{
		Name:    NameBadTimestamp,
		Message: fmt.Sprintf("Invalid ISO8601 time format in attribute: %v", payload),
		Code:    http.StatusBadRequest,
	}
}

func NewBadGeocoordinates(payload any) *AgentError {
	return &AgentError{
		Name:    NameBadGeocoordinates,
		Message: fmt.Sprintf("Invalid rfc7946 coords format: %v", payload),
		Code:    http.StatusBadRequest,
	}
}

func NewInvalidExpression(expression string, cause error) *AgentError {
	msg := "Invalid expression in evaluation: " + expression
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return &AgentError{Name: NameInvalidExpression, Message: msg, Code: http.StatusBadRequest}
}

// NewEntityGenericError 包装 Context Broker 的非预期响应
func NewEntityGenericError(id, typ string, code int, details any) *AgentError {
	return &AgentError{
		Name:    NameEntityGenericError,
		Message: fmt.Sprintf("Error accesing entity data for device: %s of type: %s", id, typ),
		Code:    code,
		Details: details,
	}
}

func NewConnectionError(host string, cause error) *AgentError {
	msg := "There was an error connecting to the Context Broker: " + host
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return &AgentError{Name: NameConnectionError, Message: msg, Code: http.StatusBadGateway}
}

func NewInternalDBError(msg string) *AgentError {
	return &AgentError{Name: NameInternalDBError, Message: "Database error executing operation: " + msg, Code: http.StatusInternalServerError}
}

func NewBadConfiguration(msg string) *AgentError {
	return &AgentError{Name: NameBadConfiguration, Message: "The application was configured in a wrong way: " + msg, Code: http.StatusInternalServerError}
}

func NewMethodNotSupported(method, path string) *AgentError {
	return &AgentError{
		Name:    NameMethodNotSupported,
		Message: fmt.Sprintf("The method [%s] is not supported for path [%s]", method, path),
		Code:    http.StatusNotImplemented,
	}
}
