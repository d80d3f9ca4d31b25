package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/sortline/pkg/types"
)

// Resolver 路由查詢介面（由 resolver.Resolver 實作）
type Resolver interface {
	Resolve(ctx context.Context, barcode string) (types.Routing, error)
}

// Task 代表一次條碼查詢
type Task struct {
	Barcode   string        // 要查詢的條碼
	Submitted time.Time     // 提交時間
	Timeout   time.Duration // 查詢逾時；0 表示使用 Pool 預設值
}

// Result 代表查詢結果
type Result struct {
	Barcode  string        // 條碼
	Routing  types.Routing // 路由決策（Err 為 nil 時有效）
	Err      error         // 查詢錯誤
	Duration time.Duration // 實際執行時間
}

// Success 查詢是否成功
func (r Result) Success() bool {
	return r.Err == nil
}
