// Package bot wires every subsystem into the running chatbot: the
// orchestrating Runtime, the admin HTTP surface, the builtin AI plugin, and
// the supporting permission / personality / statistics services.
package bot

import "fmt"

// Language selects user-facing message text.
type Language int

const (
	LangZH Language = iota
	LangEN
)

// ErrorCode classifies failures across modules. The numeric ranges map to
// modules: 1xxx core, 2xxx network, 3xxx AI, 4xxx plugin, 6xxx database.
type ErrorCode int

const (
	CodeConfigLoadFailed ErrorCode = 1001
	CodeInitFailed       ErrorCode = 1002

	CodeNetworkConnectionFailed ErrorCode = 2001
	CodeNetworkTimeout          ErrorCode = 2002

	CodeAIError          ErrorCode = 3001
	CodeAIRateLimit      ErrorCode = 3002
	CodeAIInvalidKey     ErrorCode = 3003
	CodeAIEmptyResponse  ErrorCode = 3004
	CodeAIUnknownFormat  ErrorCode = 3006
	CodePluginExecError  ErrorCode = 4002
	CodeDBConnectionFail ErrorCode = 6001
	CodeDBQueryFailed    ErrorCode = 6002
)

// Module names the subsystem an error code belongs to.
func (c ErrorCode) Module() string {
	switch {
	case c >= 1000 && c < 2000:
		return "Core"
	case c >= 2000 && c < 3000:
		return "Network"
	case c >= 3000 && c < 4000:
		return "AI"
	case c >= 4000 && c < 5000:
		return "Plugin"
	case c >= 6000 && c < 7000:
		return "Database"
	}
	return "Unknown"
}

type bilingual struct {
	zh string
	en string
}

func (b bilingual) get(lang Language) string {
	if lang == LangZH {
		return b.zh
	}
	return b.en
}

// userMessages are the user-safe strings; internal error text never reaches
// chat replies.
var userMessages = map[ErrorCode]bilingual{
	CodeAIError:          {"AI服务暂时不可用", "AI service unavailable"},
	CodeAIRateLimit:      {"AI服务繁忙,请稍后重试", "AI service busy, retry later"},
	CodeAIInvalidKey:     {"AI服务配置错误", "AI service config error"},
	CodeAIEmptyResponse:  {"AI服务响应异常", "AI service response error"},
	CodeAIUnknownFormat:  {"AI服务响应异常", "AI service response error"},
	CodePluginExecError:  {"插件处理出错", "Plugin handler error"},
	CodeDBConnectionFail: {"数据服务暂时不可用", "Data service unavailable"},
	CodeDBQueryFailed:    {"数据查询失败", "Data query failed"},
}

var fallbackUserMessage = bilingual{"服务暂时不可用", "Service unavailable"}

// UserError renders the user-safe string for an error code, tagged with the
// module and code so reports remain traceable.
func UserError(code ErrorCode, lang Language) string {
	msg, ok := userMessages[code]
	if !ok {
		msg = fallbackUserMessage
	}
	return fmt.Sprintf("[LCHBOT] %s [%s #%d]", msg.get(lang), code.Module(), int(code))
}
