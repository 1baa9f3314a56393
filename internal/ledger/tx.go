package ledger

// Memo type names anchored on issuance payments
const (
	MemoTypeFeedURI    = "OSSEC_FEED_URI"
	MemoTypeFeedDigest = "OSSEC_FEED_DIGEST"
)

// Transaction is any unsigned transaction the node can autofill and sign
type Transaction interface {
	TxType() string
	SourceAccount() string
}

// MemoFields carries hex-encoded memo contents
type MemoFields struct {
	MemoType   string `json:"MemoType,omitempty"`
	MemoData   string `json:"MemoData,omitempty"`
	MemoFormat string `json:"MemoFormat,omitempty"`
}

// Memo wraps MemoFields the way the ledger's JSON expects
type Memo struct {
	Memo MemoFields `json:"Memo"`
}

// NewMemo hex-encodes a memo type, data and optional format
func NewMemo(memoType, data, format string) Memo {
	m := Memo{Memo: MemoFields{
		MemoType: StrToHex(memoType),
		MemoData: StrToHex(data),
	}}
	if format != "" {
		m.Memo.MemoFormat = StrToHex(format)
	}
	return m
}

// FeedMemos builds the memos that point an issuance at its feed document.
// An empty digest omits the digest memo.
func FeedMemos(uri, digest string) []Memo {
	memos := []Memo{NewMemo(MemoTypeFeedURI, uri, "text/uri-list")}
	if digest != "" {
		memos = append(memos, NewMemo(MemoTypeFeedDigest, "blake3:"+digest, "text/plain"))
	}
	return memos
}

// TrustSet authorizes Account to hold LimitAmount's currency from its issuer
type TrustSet struct {
	TransactionType string               `json:"TransactionType"`
	Account         string               `json:"Account"`
	LimitAmount     IssuedCurrencyAmount `json:"LimitAmount"`
}

func (t *TrustSet) TxType() string        { return t.TransactionType }
func (t *TrustSet) SourceAccount() string { return t.Account }

// Payment moves an issued-currency amount; from the issuer it mints
type Payment struct {
	TransactionType string               `json:"TransactionType"`
	Account         string               `json:"Account"`
	Destination     string               `json:"Destination"`
	Amount          IssuedCurrencyAmount `json:"Amount"`
	Memos           []Memo               `json:"Memos,omitempty"`
}

func (p *Payment) TxType() string        { return p.TransactionType }
func (p *Payment) SourceAccount() string { return p.Account }

// NewTrustSet builds a TrustSet for account
func NewTrustSet(account string, limit IssuedCurrencyAmount) *TrustSet {
	return &TrustSet{TransactionType: "TrustSet", Account: account, LimitAmount: limit}
}

// NewPayment builds a Payment from account to destination
func NewPayment(account, destination string, amount IssuedCurrencyAmount, memos ...Memo) *Payment {
	return &Payment{
		TransactionType: "Payment",
		Account:         account,
		Destination:     destination,
		Amount:          amount,
		Memos:           memos,
	}
}
