package udsclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/LoveWonYoung/microuds/uds"
)

// ErrClosed 在客户端关闭或链路断开后返回
var ErrClosed = errors.New("UDS 客户端已关闭")

// UDSError 表示 UDS 负响应错误
type UDSError struct {
	ServiceID byte             // 原始服务 ID
	NRC       uds.ResponseCode // 负响应码
	Message   string           // 错误描述
}

func newUDSError(sid byte, nrc uds.ResponseCode) *UDSError {
	return &UDSError{ServiceID: sid, NRC: nrc, Message: getNRCDescription(nrc)}
}

func (e *UDSError) Error() string {
	return fmt.Sprintf("UDS 负响应: SID=0x%02X, NRC=0x%02X (%s)", e.ServiceID, byte(e.NRC), e.Message)
}

// IsRetryable 判断该错误是否可以重试
func (e *UDSError) IsRetryable() bool {
	switch e.NRC {
	case uds.NRCBusyRepeatRequest, uds.NRCResponsePending:
		return true
	default:
		return false
	}
}

// TimeoutError 表示等待某一类帧超时
type TimeoutError struct {
	Waiting string
	After   time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("等待%s超时 (%v)", e.Waiting, e.After)
}

// FlowControlError 表示多帧发送被对端流控终止
type FlowControlError struct {
	Reason string
}

func (e FlowControlError) Error() string {
	return "流控错误: " + e.Reason
}

var nrcDescriptions = map[uds.ResponseCode]string{
	uds.NRCGeneralReject:                          "一般拒绝",
	uds.NRCServiceNotSupported:                    "服务不支持",
	uds.NRCSubFunctionNotSupported:                "子功能不支持",
	uds.NRCIncorrectMessageLength:                 "消息长度错误",
	uds.NRCResponseTooLong:                        "响应过长",
	uds.NRCBusyRepeatRequest:                      "忙，请重复请求",
	uds.NRCConditionsNotCorrect:                   "条件不满足",
	uds.NRCRequestSequenceError:                   "请求顺序错误",
	uds.NRCNoResponseFromSubnetComponent:          "子网组件无响应",
	uds.NRCFailurePreventsExecution:               "故障阻止执行",
	uds.NRCRequestOutOfRange:                      "请求超出范围",
	uds.NRCSecurityAccessDenied:                   "安全访问被拒绝",
	uds.NRCInvalidKey:                             "无效密钥",
	uds.NRCExceedNumberOfAttempts:                 "超过尝试次数",
	uds.NRCRequiredTimeDelayNotExpired:            "所需时间延迟未过期",
	uds.NRCUploadDownloadNotAccepted:              "上传/下载不接受",
	uds.NRCTransferDataSuspended:                  "传输数据暂停",
	uds.NRCGeneralProgrammingFailure:              "一般编程失败",
	uds.NRCWrongBlockSequenceCounter:              "块序号计数器错误",
	uds.NRCResponsePending:                        "响应挂起",
	uds.NRCSubFunctionNotSupportedInActiveSession: "子功能在当前会话不支持",
	uds.NRCServiceNotSupportedInActiveSession:     "服务在当前会话不支持",
}

// getNRCDescription 获取 NRC 错误描述，表中没有的退回到英文名称
func getNRCDescription(nrc uds.ResponseCode) string {
	if desc, ok := nrcDescriptions[nrc]; ok {
		return desc
	}
	if desc := nrc.Description(); desc != "unknown" {
		return desc
	}
	return "未知错误"
}
