package broker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// 券商网关要求字段顺序与命名逐字节一致；结构体字段顺序即序列化顺序，
// 不要调整。

const (
	reqCodePlace     = "IIFLMarRQOrdReq"
	reqCodeStatus    = "IIFLMarRQOrdStatus"
	reqCodeTradeInfo = "IIFLMarRQTrdInfo"
)

// orderHead 用于 OrderRequest 富信封。
type orderHead struct {
	RequestCode string `json:"requestCode"`
	Key         string `json:"key"`
	AppVer      string `json:"appVer"`
	AppName     string `json:"appName"`
	OSName      string `json:"osName"`
	UserID      string `json:"userId"`
	Password    string `json:"password"`
}

// queryHead 用于 OrderStatus / TradeInformation 的扁平信封。
type queryHead struct {
	AppName     string `json:"appName"`
	AppVer      string `json:"appVer"`
	Key         string `json:"key"`
	OSName      string `json:"osName"`
	RequestCode string `json:"requestCode"`
	UserID      string `json:"userId"`
	Password    string `json:"password"`
}

type placeBody struct {
	ClientCode         string  `json:"ClientCode"`
	OrderFor           string  `json:"OrderFor"` // P=Place, M=Modify, C=Cancel
	Exchange           string  `json:"Exchange"`
	ExchangeType       string  `json:"ExchangeType"`
	Price              float64 `json:"Price"`
	OrderID            int64   `json:"OrderID"`
	OrderType          string  `json:"OrderType"` // BUY / SELL
	Qty                int64   `json:"Qty"`
	OrderDateTime      string  `json:"OrderDateTime"`
	ScripCode          int64   `json:"ScripCode"`
	AtMarket           bool    `json:"AtMarket"`
	RemoteOrderID      string  `json:"RemoteOrderID"`
	ExchOrderID        string  `json:"ExchOrderID"`
	DisQty             int64   `json:"DisQty"`
	IsStopLossOrder    bool    `json:"IsStopLossOrder"`
	StopLossPrice      float64 `json:"StopLossPrice"`
	IsVTD              bool    `json:"IsVTD"`
	IOCOrder           bool    `json:"IOCOrder"`
	IsIntraday         bool    `json:"IsIntraday"`
	PublicIP           string  `json:"PublicIP"`
	AHPlaced           string  `json:"AHPlaced"`
	ValidTillDate      string  `json:"ValidTillDate"`
	IOrderValidity     int     `json:"iOrderValidity"` // 0=Day 1=GTD 2=GTC 3=IOC 4=EOS 6=FOK
	OrderRequesterCode string  `json:"OrderRequesterCode"`
	TradedQty          int64   `json:"TradedQty"`
}

type placeEnvelope struct {
	ReqData struct {
		Head orderHead `json:"head"`
		Body placeBody `json:"body"`
	} `json:"_ReqData"`
	AppSource int `json:"AppSource"`
}

type respHead struct {
	Status            string `json:"status"`
	StatusDescription string `json:"statusDescription"`
}

type placeRespBody struct {
	Status        int         `json:"Status"`
	BrokerOrderID json.Number `json:"BrokerOrderID"`
	ClientCode    string      `json:"ClientCode"`
	Exch          string      `json:"Exch"`
	ExchType      string      `json:"ExchType"`
	ExchOrderID   json.Number `json:"ExchOrderID"`
	Message       string      `json:"Message"`
	Time          string      `json:"Time"`
}

type placeResponse struct {
	Head respHead      `json:"head"`
	Body placeRespBody `json:"body"`
}

type ordStatusReq struct {
	Exch          string `json:"Exch"`
	ExchType      string `json:"ExchType"`
	ScripCode     int64  `json:"ScripCode"`
	RemoteOrderID string `json:"RemoteOrderID"`
}

type statusEnvelope struct {
	Head queryHead `json:"head"`
	Body struct {
		ClientCode       string         `json:"ClientCode"`
		OrdStatusReqList []ordStatusReq `json:"OrdStatusReqList"`
	} `json:"body"`
}

type ordStatusRes struct {
	Status        string      `json:"Status"`
	OrderQty      int64       `json:"OrderQty"`
	OrderRate     float64     `json:"OrderRate"`
	TradedQty     int64       `json:"TradedQty"`
	PendingQty    int64       `json:"PendingQty"`
	ExchOrderID   json.Number `json:"ExchOrderID"`
	ExchOrderTime string      `json:"ExchOrderTime"`
	Symbol        string      `json:"Symbol"`
}

type statusResponse struct {
	Head respHead `json:"head"`
	Body struct {
		Status          int            `json:"Status"`
		OrdStatusResLst []ordStatusRes `json:"OrdStatusResLst"`
		Message         string         `json:"Message"`
	} `json:"body"`
}

type tradeInfoReq struct {
	Exch        string `json:"Exch"`
	ExchType    string `json:"ExchType"`
	ScripCode   int64  `json:"ScripCode"`
	ExchOrderID string `json:"ExchOrderID"`
}

type tradeInfoEnvelope struct {
	Head queryHead `json:"head"`
	Body struct {
		ClientCode           string         `json:"ClientCode"`
		TradeInformationList []tradeInfoReq `json:"TradeInformationList"`
	} `json:"body"`
}

// TradeDetail 成交明细（对账器用来取成交均价）。
type TradeDetail struct {
	Exch        string      `json:"Exch"`
	ExchType    string      `json:"ExchType"`
	ScripCode   int64       `json:"ScripCode"`
	ExchOrderID json.Number `json:"ExchOrderID"`
	TradedQty   int64       `json:"TradedQty"`
	Rate        float64     `json:"Rate"`
	TradeTime   string      `json:"TradeTime"`
}

type tradeInfoResponse struct {
	Head respHead `json:"head"`
	Body struct {
		Status      int           `json:"Status"`
		TradeDetail []TradeDetail `json:"TradeDetail"`
		Message     string        `json:"Message"`
	} `json:"body"`
}

// bracketTime 按券商格式渲染毫秒时间戳：/Date(1563857357612)/
func bracketTime(t time.Time) string {
	return fmt.Sprintf("/Date(%d)/", t.UnixMilli())
}

var bracketRe = regexp.MustCompile(`^/Date\((\d+)`)

// parseBracketTime 解析 /Date(ms)/ 或带时区后缀的 /Date(ms+0530)/。
func parseBracketTime(s string) (time.Time, error) {
	m := bracketRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("malformed bracket time %q", s)
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed bracket time %q: %w", s, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
