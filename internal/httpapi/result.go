package httpapi

// 响应信封与移动端约定保持一致：所有接口都带 success 布尔
// 错误时附 error 字符串，管线内部错误不透传给客户端

type successResult struct {
	Success bool `json:"success"`
}

type errorResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func ok() successResult {
	return successResult{Success: true}
}

func fail(message string) errorResult {
	return errorResult{Success: false, Error: message}
}
