package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌紀錄的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/ChuLiYu/sortline/pkg/types"
)

// CalculateChecksum 計算紀錄的 CRC32 校驗和
//
// 演算法：
// - 將 seq、事件類型、事件 ID 與條碼以 | 串接
// - 使用 CRC32-IEEE 多項式計算
//
// 不包含時間戳與位置等浮點欄位，避免 JSON 往返造成的差異
func CalculateChecksum(seq uint64, ev types.Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(seq, 10))
	b.WriteByte('|')
	b.WriteString(string(ev.Type))
	b.WriteByte('|')
	b.WriteString(ev.ID)
	b.WriteByte('|')
	b.WriteString(ev.Barcode)
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證紀錄的校驗和
//
// 返回值：
//   - nil: 校驗和正確
//   - *ChecksumError: 不符
func VerifyChecksum(r Record) error {
	expected := CalculateChecksum(r.Seq, r.Event)
	if r.Checksum != expected {
		return &ChecksumError{Seq: r.Seq, Expected: expected, Actual: r.Checksum}
	}
	return nil
}
