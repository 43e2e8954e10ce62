package uds

import "fmt"

// ResponseCode is what a handler returns: Success, NoResponse, or a negative response code.
type ResponseCode byte

const (
	// Success answers with a positive response.
	Success ResponseCode = 0x00
	// NoResponse suppresses the response entirely.
	NoResponse ResponseCode = 0xFF
)

// UDS 负响应码 (Negative Response Code)
const (
	NRCGeneralReject                          ResponseCode = 0x10 // 一般拒绝
	NRCServiceNotSupported                    ResponseCode = 0x11 // 服务不支持
	NRCSubFunctionNotSupported                ResponseCode = 0x12 // 子功能不支持
	NRCIncorrectMessageLength                 ResponseCode = 0x13 // 消息长度错误
	NRCResponseTooLong                        ResponseCode = 0x14 // 响应过长
	NRCBusyRepeatRequest                      ResponseCode = 0x21 // 忙，请重复请求
	NRCConditionsNotCorrect                   ResponseCode = 0x22 // 条件不满足
	NRCRequestSequenceError                   ResponseCode = 0x24 // 请求顺序错误
	NRCNoResponseFromSubnetComponent          ResponseCode = 0x25 // 子网组件无响应
	NRCFailurePreventsExecution               ResponseCode = 0x26 // 故障阻止执行
	NRCRequestOutOfRange                      ResponseCode = 0x31 // 请求超出范围
	NRCSecurityAccessDenied                   ResponseCode = 0x33 // 安全访问被拒绝
	NRCInvalidKey                             ResponseCode = 0x35 // 无效密钥
	NRCExceedNumberOfAttempts                 ResponseCode = 0x36 // 超过尝试次数
	NRCRequiredTimeDelayNotExpired            ResponseCode = 0x37 // 所需时间延迟未过期
	NRCUploadDownloadNotAccepted              ResponseCode = 0x70 // 上传/下载不接受
	NRCTransferDataSuspended                  ResponseCode = 0x71 // 传输数据暂停
	NRCGeneralProgrammingFailure              ResponseCode = 0x72 // 一般编程失败
	NRCWrongBlockSequenceCounter              ResponseCode = 0x73 // 块序号计数器错误
	NRCResponsePending                        ResponseCode = 0x78 // 响应挂起
	NRCSubFunctionNotSupportedInActiveSession ResponseCode = 0x7E // 子功能在当前会话不支持
	NRCServiceNotSupportedInActiveSession     ResponseCode = 0x7F // 服务在当前会话不支持
	NRCRPMTooHigh                             ResponseCode = 0x81
	NRCRPMTooLow                              ResponseCode = 0x82
	NRCEngineRunning                          ResponseCode = 0x83
	NRCEngineNotRunning                       ResponseCode = 0x84
	NRCEngineRunTimeout                       ResponseCode = 0x85
	NRCTemperatureTooHigh                     ResponseCode = 0x86
	NRCTemperatureTooLow                      ResponseCode = 0x87
	NRCVoltageTooHigh                         ResponseCode = 0x88
	NRCVoltageTooLow                          ResponseCode = 0x89
)

var nrcDescriptions = map[ResponseCode]string{
	NRCGeneralReject:                          "general reject",
	NRCServiceNotSupported:                    "service not supported",
	NRCSubFunctionNotSupported:                "sub-function not supported",
	NRCIncorrectMessageLength:                 "incorrect message length or invalid format",
	NRCResponseTooLong:                        "response too long",
	NRCBusyRepeatRequest:                      "busy, repeat request",
	NRCConditionsNotCorrect:                   "conditions not correct",
	NRCRequestSequenceError:                   "request sequence error",
	NRCNoResponseFromSubnetComponent:          "no response from subnet component",
	NRCFailurePreventsExecution:               "failure prevents execution of requested action",
	NRCRequestOutOfRange:                      "request out of range",
	NRCSecurityAccessDenied:                   "security access denied",
	NRCInvalidKey:                             "invalid key",
	NRCExceedNumberOfAttempts:                 "exceeded number of attempts",
	NRCRequiredTimeDelayNotExpired:            "required time delay not expired",
	NRCUploadDownloadNotAccepted:              "upload/download not accepted",
	NRCTransferDataSuspended:                  "transfer data suspended",
	NRCGeneralProgrammingFailure:              "general programming failure",
	NRCWrongBlockSequenceCounter:              "wrong block sequence counter",
	NRCResponsePending:                        "request correctly received, response pending",
	NRCSubFunctionNotSupportedInActiveSession: "sub-function not supported in active session",
	NRCServiceNotSupportedInActiveSession:     "service not supported in active session",
	NRCRPMTooHigh:                             "rpm too high",
	NRCRPMTooLow:                              "rpm too low",
	NRCEngineRunning:                          "engine is running",
	NRCEngineNotRunning:                       "engine is not running",
	NRCEngineRunTimeout:                       "engine run time too low",
	NRCTemperatureTooHigh:                     "temperature too high",
	NRCTemperatureTooLow:                      "temperature too low",
	NRCVoltageTooHigh:                         "voltage too high",
	NRCVoltageTooLow:                          "voltage too low",
}

// Description returns the ISO 14229 name of a negative response code.
func (c ResponseCode) Description() string {
	switch c {
	case Success:
		return "positive response"
	case NoResponse:
		return "no response"
	}
	if desc, ok := nrcDescriptions[c]; ok {
		return desc
	}
	return "unknown"
}

func (c ResponseCode) String() string {
	return fmt.Sprintf("0x%02X (%s)", byte(c), c.Description())
}

// Service identifiers.
const (
	SIDDiagnosticSessionControl   byte = 0x10
	SIDECUReset                   byte = 0x11
	SIDClearDiagnosticInformation byte = 0x14
	SIDReadDTCInformation         byte = 0x19
	SIDReadDataByIdentifier       byte = 0x22
	SIDReadMemoryByAddress        byte = 0x23
	SIDSecurityAccess             byte = 0x27
	SIDCommunicationControl       byte = 0x28
	SIDReadDataByPeriodicID       byte = 0x2A
	SIDDynamicallyDefineDataID    byte = 0x2C
	SIDWriteDataByIdentifier      byte = 0x2E
	SIDInputOutputControlByID     byte = 0x2F
	SIDRoutineControl             byte = 0x31
	SIDRequestDownload            byte = 0x34
	SIDRequestUpload              byte = 0x35
	SIDTransferData               byte = 0x36
	SIDRequestTransferExit        byte = 0x37
	SIDTesterPresent              byte = 0x3E
	SIDLinkControl                byte = 0x87
)

// Diagnostic session sub-functions of 0x10.
const (
	SessionDefault     byte = 0x01
	SessionProgramming byte = 0x02
	SessionExtended    byte = 0x03
	SessionSafety      byte = 0x04
)

// ECU reset sub-functions of 0x11.
const (
	ResetHard          byte = 0x01
	ResetKeyOffOn      byte = 0x02
	ResetSoft          byte = 0x03
	ResetEnableRapidPD byte = 0x04
	ResetDisableRapid  byte = 0x05
)

const (
	// ResponseOffset is added to a request SID to form the positive response SID.
	ResponseOffset byte = 0x40
	// NegativeResponseSID leads every negative response.
	NegativeResponseSID byte = 0x7F
	// SuppressPositiveResponse is the sub-function bit asking for no positive answer.
	SuppressPositiveResponse byte = 0x80
)

// The identifiers the engine falls back to when the session times out.
const (
	DefaultSessionSID  = SIDDiagnosticSessionControl
	DefaultSessionSSID = SessionDefault
)
