package rpc

import "strings"

// 控制服务器返回的状态行。
const (
	StatusOK                 = "OK"
	StatusEmptyResponse      = "EMPTY_RESPONSE"
	StatusInvalidRequest     = "INVALID_REQUEST"
	StatusNoPendingDownloads = "NO_PENDING_DOWNLOADS"
	StatusKeyExpired         = "KEY_EXPIRED"
	StatusFail               = "FAIL"
)

// Response 是所有响应形态共享的头部信息。
type Response struct {
	Success    bool
	StatusCode int
	Status     string
	RawText    string
}

// LinesResponse 是行式响应：首行为状态，其余行原样保留。
type LinesResponse struct {
	Response
	Lines []string
}

// PropsResponse 是属性式响应：首行为状态，其余行按 key=value 解析。
type PropsResponse struct {
	Response
	Message    string
	Properties map[string]string
}

// CertResponse 携带 PKCS#12 证书原始字节。
type CertResponse struct {
	Response
	CertBytes []byte
}

// GalleryResponse 携带待下载画廊描述。
type GalleryResponse struct {
	Response
	Gallery *GalleryInfo
}

// splitLines 按 CR/LF 切分并丢弃空行。
func splitLines(body string) []string {
	fields := strings.FieldsFunc(body, func(r rune) bool { return r == '\r' || r == '\n' })
	lines := fields[:0]
	for _, line := range fields {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func headerFrom(statusCode int, body string, lines []string) Response {
	resp := Response{StatusCode: statusCode, RawText: body, Status: StatusEmptyResponse}
	if len(lines) > 0 {
		resp.Status = strings.TrimSpace(lines[0])
	}
	resp.Success = resp.Status == StatusOK
	return resp
}

// ParseLines 解析行式响应。
func ParseLines(statusCode int, body string) *LinesResponse {
	lines := splitLines(body)
	resp := &LinesResponse{Response: headerFrom(statusCode, body, lines)}
	if len(lines) > 1 {
		resp.Lines = append([]string(nil), lines[1:]...)
	}
	return resp
}

// ParseProps 解析属性式响应；恰好两行时第二行同时作为 Message。
func ParseProps(statusCode int, body string) *PropsResponse {
	lines := splitLines(body)
	resp := &PropsResponse{
		Response:   headerFrom(statusCode, body, lines),
		Properties: map[string]string{},
	}
	if len(lines) == 2 {
		resp.Message = lines[1]
	}
	for _, line := range lines[min(1, len(lines)):] {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		resp.Properties[key] = value
	}
	return resp
}
