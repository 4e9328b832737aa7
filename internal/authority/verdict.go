package authority

import (
	"fmt"
	"net/http"
	"strings"
)

// Reason names why a verdict was reached. The integration layer maps it to an error code.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonRedirect          Reason = "redirect"
	ReasonInvalidApp        Reason = "invalid_app"
	ReasonInvalidPool       Reason = "invalid_pool"
	ReasonInvalidIdentifier Reason = "invalid_identifier"
	ReasonInvalidChannel    Reason = "invalid_channel"
	ReasonChannelDisabled   Reason = "channel_disabled"
	ReasonUnauthorized      Reason = "unauthorized"
	ReasonUnionRequired     Reason = "union_required"
	ReasonInvalidGrant      Reason = "invalid_grant"
	ReasonGrantDisabled     Reason = "grant_disabled"
	ReasonInsufficient      Reason = "insufficient_authority"
	ReasonAjaxNotAllowed    Reason = "ajax_not_allowed"
	ReasonMethodNotAllowed  Reason = "method_not_allowed"
	ReasonNotAcceptable     Reason = "not_acceptable"
	ReasonFault             Reason = "fault"
)

// Content types a verdict can ask to be rendered as.
const (
	ContentHTML = "html"
	ContentJSON = "json"
)

// Verdict is the outcome of one decision.
type Verdict struct {
	Code        int
	Reason      Reason
	Status      string
	Message     string
	Data        any
	ContentType string
	// Location is set when the requester must be redirected, typically to an SSO authorize URL.
	Location string
	// Step is the decision step that produced the verdict.
	Step string
}

// Allowed reports whether the request may proceed.
func (v Verdict) Allowed() bool {
	return v.Code == http.StatusOK && v.Location == ""
}

// IsRedirect reports whether the verdict is a redirect instruction.
func (v Verdict) IsRedirect() bool {
	return v.Location != ""
}

type message struct {
	code   int
	status string
	zh     string
}

var catalog = map[Reason]message{
	ReasonOK:                {http.StatusOK, "OK", "OK"},
	ReasonInvalidApp:        {http.StatusPreconditionFailed, "Invalid AppId", "无效的AppId"},
	ReasonInvalidPool:       {http.StatusPreconditionFailed, "Invalid user pool id", "无效的用户池ID"},
	ReasonInvalidIdentifier: {http.StatusNotFound, "Invalid identifier", "无效的标识符"},
	ReasonInvalidChannel:    {http.StatusNotFound, "Invalid channel information", "无效的频道信息"},
	ReasonChannelDisabled:   {http.StatusGone, "Channel not available", "该频道尚未启用"},
	ReasonUnauthorized:      {http.StatusUnauthorized, "Unauthorized", "请求要求用户的身份认证"},
	ReasonUnionRequired:     {http.StatusProxyAuthRequired, "Proxy Authentication Required", "请求要求联合授权"},
	ReasonInvalidGrant:      {http.StatusProxyAuthRequired, "Invalid authorization information", "无效的授权信息"},
	ReasonGrantDisabled:     {http.StatusProxyAuthRequired, "Authorization information has been disabled", "授权信息已被禁用"},
	ReasonInsufficient:      {http.StatusPaymentRequired, "Insufficient authority", "权限不足，无法访问该页面"},
	ReasonAjaxNotAllowed:    {http.StatusMethodNotAllowed, "Ajax Method Not Allowed", "该页面禁止Ajax请求"},
	ReasonMethodNotAllowed:  {http.StatusMethodNotAllowed, "%s Method Not Allowed", "该页面禁止%s请求"},
	ReasonNotAcceptable:     {http.StatusNotAcceptable, "Not Acceptable", "授权信息异常"},
	ReasonFault:             {http.StatusInternalServerError, "%s", "服务异常"},
}

// newVerdict builds a verdict from the catalog. args fill the status and
// Chinese message templates. English languages get the status label as message.
func newVerdict(reason Reason, lang string, args ...any) Verdict {
	m, ok := catalog[reason]
	if !ok {
		m = catalog[ReasonNotAcceptable]
	}
	status, zh := m.status, m.zh
	if len(args) > 0 {
		status = fmt.Sprintf(status, args...)
		if strings.Contains(zh, "%s") {
			zh = fmt.Sprintf(zh, args...)
		}
	}
	msg := status
	if isChinese(lang) {
		msg = zh
	}
	if reason == ReasonFault && !isChinese(lang) {
		msg = "Service exception"
	}
	return Verdict{
		Code:        m.code,
		Reason:      reason,
		Status:      status,
		Message:     msg,
		ContentType: ContentHTML,
	}
}

func isChinese(lang string) bool {
	return strings.HasPrefix(strings.ToLower(lang), "zh")
}
