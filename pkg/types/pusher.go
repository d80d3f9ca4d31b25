package types

// Pusher 推桿站設定：編號、負責的分類標籤與觸發距離
type Pusher struct {
	ID       int     `json:"id" yaml:"id"`
	Label    string  `json:"label" yaml:"label"`
	Distance float64 `json:"distance" yaml:"distance"`
}

// PusherTable 推桿站設定表
type PusherTable []Pusher

// ByLabel 依標籤尋找推桿
func (t PusherTable) ByLabel(label string) (Pusher, bool) {
	for _, p := range t {
		if p.Label == label {
			return p, true
		}
	}
	return Pusher{}, false
}

// ByID 依編號尋找推桿
func (t PusherTable) ByID(id int) (Pusher, bool) {
	for _, p := range t {
		if p.ID == id {
			return p, true
		}
	}
	return Pusher{}, false
}

// LowestPriority 最低優先權推桿（編號最大者，位於輸送帶末端）
func (t PusherTable) LowestPriority() (Pusher, bool) {
	if len(t) == 0 {
		return Pusher{}, false
	}
	lowest := t[0]
	for _, p := range t[1:] {
		if p.ID > lowest.ID {
			lowest = p
		}
	}
	return lowest, true
}
