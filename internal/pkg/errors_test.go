package pkg

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestAgentError(t *testing.T) {
	Convey("AgentError 分类", t, func() {
		Convey("errors.Is 按名称匹配，包装后依然有效", func() {
			err := fmt.Errorf("注册设备失败: %w", NewDeviceNotFound("light1"))
			So(errors.Is(err, ErrDeviceNotFound), ShouldBeTrue)
			So(errors.Is(err, ErrGroupNotFound), ShouldBeFalse)

			var agentErr *AgentError
			So(errors.As(err, &agentErr), ShouldBeTrue)
			So(agentErr.HTTPStatus(), ShouldEqual, http.StatusNotFound)
		})

		Convey("状态码映射", func() {
			So(NewDuplicateGroup("/iot/d", "abc").HTTPStatus(), ShouldEqual, http.StatusConflict)
			So(NewDuplicateDeviceID("d1").HTTPStatus(), ShouldEqual, http.StatusConflict)
			So(NewMismatchedService("a", "b").HTTPStatus(), ShouldEqual, http.StatusForbidden)
			So(NewMissingHeaders([]string{"fiware-service"}).HTTPStatus(), ShouldEqual, http.StatusBadRequest)
			So(NewMissingAttributes("device_id").HTTPStatus(), ShouldEqual, http.StatusBadRequest)
			So(NewBadGeocoordinates("1,2,3").HTTPStatus(), ShouldEqual, http.StatusBadRequest)
			So(NewTypeNotFound("d1", "T").HTTPStatus(), ShouldEqual, http.StatusInternalServerError)
			So(NewConnectionError("http://orion:1026", nil).HTTPStatus(), ShouldEqual, http.StatusBadGateway)
		})

		Convey("EntityGenericError 携带 broker 状态码与细节", func() {
			err := NewEntityGenericError("Light:1", "Light", http.StatusMultiStatus, map[string]any{"error": "PartialUpdate"})
			So(err.Code, ShouldEqual, http.StatusMultiStatus)
			So(err.Details, ShouldNotBeNil)
			So(err.HTTPStatus(), ShouldEqual, http.StatusInternalServerError)
			So(err.Error(), ShouldStartWith, NameEntityGenericError)
		})
	})
}
