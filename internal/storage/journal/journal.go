package journal

// ============================================================================
// 生命週期日誌核心實作
// 職責：
// 1. 以 JSON lines 追加生命週期事件（append-only）
// 2. 批次寫入：緩衝滿、超過 flush 間隔或強制時才寫入並 fsync
// 3. 提供重放功能（history 指令、稽核）
// 4. 支援日誌旋轉，舊檔以 gzip 壓縮保存
// ============================================================================

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ChuLiYu/sortline/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options 日誌選項
type Options struct {
	BufferSize    int           // 緩衝筆數上限，達到即 flush
	FlushInterval time.Duration // 距上次 flush 超過此時間，下一次 Append 即 flush
	Compress      bool          // Rotate 時是否以 gzip 壓縮舊檔
}

// Journal 生命週期日誌實例
type Journal struct {
	mu      sync.Mutex
	file    FileInterface
	encoder *json.Encoder
	path    string
	seq     uint64
	closed  bool

	buffer        []Record
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
	compress      bool
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個日誌檔案

行為：
- 檔案不存在時建立，seq 從 0 開始
- 檔案已存在時讀取最後一筆紀錄的 seq 並繼續編號
- 以 O_APPEND 模式開啟，確保寫入不覆蓋

參數：

	path - 日誌檔案路徑（目錄會自動建立）
	opts - 批次寫入選項，零值使用預設
*/
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "create journal directory for %s", path)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "open journal %s", path)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		if last, err := LastRecord(path); err == nil && last != nil {
			seq = last.Seq
		}
		// 最後一行損毀時 seq 從 0 繼續，Replay 會回報損毀位置
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		buffer:        make([]Record, 0, opts.BufferSize),
		bufferSize:    opts.BufferSize,
		lastFlushTime: time.Now(),
		flushInterval: opts.FlushInterval,
		compress:      opts.Compress,
	}, nil
}

// Append 追加一筆事件
//
// 行為：
// - 自動遞增 seq 並計算 checksum
// - 加入緩衝；緩衝滿、超過 flush 間隔或 force 時寫入並同步
func (j *Journal) Append(ev types.Event, force bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	j.seq++
	j.buffer = append(j.buffer, Record{
		Seq:      j.seq,
		Event:    ev,
		Checksum: CalculateChecksum(j.seq, ev),
	})

	if force || len(j.buffer) >= j.bufferSize || time.Since(j.lastFlushTime) > j.flushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush 立即寫入緩衝中的所有紀錄
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

// Replay 重放目前檔案中已寫入的紀錄（先 flush 緩衝）
func (j *Journal) Replay(handler Handler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.closed {
		if err := j.flushLocked(); err != nil {
			return err
		}
	}
	return ReadFile(j.path, handler)
}

// Rotate 旋轉日誌檔案
//
// 舊檔改名為 path.YYYYMMDD_HHMMSS（Compress 時再壓縮為 .gz），
// 新檔 seq 從 0 開始。返回舊檔的最終路徑
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrJournalClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", eris.Wrap(err, "close journal for rotation")
	}

	backupPath := j.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(j.path, backupPath); err != nil {
		return "", eris.Wrap(err, "rename journal")
	}

	newFile, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		j.closed = true
		return "", eris.Wrap(err, "reopen journal")
	}
	j.file = newFile
	j.encoder = json.NewEncoder(newFile)
	j.seq = 0
	j.lastFlushTime = time.Now()

	if !j.compress {
		return backupPath, nil
	}
	if err := compressFile(backupPath, backupPath+".gz"); err != nil {
		return backupPath, eris.Wrap(err, "compress rotated journal")
	}
	if err := os.Remove(backupPath); err != nil {
		return backupPath + ".gz", eris.Wrap(err, "remove uncompressed journal")
	}
	return backupPath + ".gz", nil
}

// Close 寫入剩餘緩衝並關閉檔案；關閉後的實例不可重用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	flushErr := j.flushLocked()
	if err := j.file.Close(); err != nil {
		return eris.Wrap(err, "close journal")
	}
	return flushErr
}

// LastSeq 取得當前序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 日誌檔案路徑
func (j *Journal) Path() string {
	return j.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設呼叫者已持有 j.mu
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, record := range j.buffer {
		if err := j.encoder.Encode(record); err != nil {
			return eris.Wrapf(err, "encode record seq=%d", record.Seq)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if err := j.file.Sync(); err != nil {
		return eris.Wrap(err, "sync journal")
	}
	return nil
}

// ============================================================================
// 檔案讀取工具
// ============================================================================

// ReadFile 依序讀取日誌檔案（.gz 自動解壓），驗證每筆 checksum 後交給 handler
//
// 錯誤處理：
//   - ErrCorruptedJournal: 某行無法解析
//   - ErrChecksumMismatch: 校驗和不符
//   - handler 的錯誤原樣返回並停止
func ReadFile(path string, handler Handler) error {
	file, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "open journal %s", path)
	}
	defer file.Close()

	var r io.Reader = file
	if filepath.Ext(path) == ".gz" {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return eris.Wrapf(ErrCorruptedJournal, "gzip header: %v", err)
		}
		defer gz.Close()
		r = gz
	}

	decoder := json.NewDecoder(bufio.NewReader(r))
	for decoder.More() {
		var record Record
		if err := decoder.Decode(&record); err != nil {
			return eris.Wrapf(ErrCorruptedJournal, "decode after seq: %v", err)
		}
		if err := VerifyChecksum(record); err != nil {
			return err
		}
		if err := handler(record); err != nil {
			return err
		}
	}
	return nil
}

// LastRecord 讀取檔案中最後一筆可解析的紀錄；空檔返回 nil
func LastRecord(path string) (*Record, error) {
	var last *Record
	err := ReadFile(path, func(r Record) error {
		rec := r
		last = &rec
		return nil
	})
	if err != nil && last == nil {
		return nil, err
	}
	return last, nil
}

// compressFile 以 gzip 壓縮 src 到 dst
func compressFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		return err
	}
	return gzipWriter.Close()
}
