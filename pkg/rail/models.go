package rail

import (
	"encoding/json"
)

// Location is an origin or destination of a service.
type Location struct {
	LocationName     string `json:"locationName" validate:"required"`
	CRS              string `json:"crs" validate:"required"`
	Via              string `json:"via,omitempty"`
	FutureChangeTo   string `json:"futureChangeTo,omitempty"`
	AssocIsCancelled bool   `json:"assocIsCancelled,omitempty"`
}

// CallingPoint is one station stop on a service's route.
type CallingPoint struct {
	LocationName string `json:"locationName" validate:"required"`
	CRS          string `json:"crs" validate:"required"`
	ST           string `json:"st" validate:"required"`
	ET           string `json:"et,omitempty"`
	AT           string `json:"at,omitempty"`
	PTA          string `json:"pta,omitempty"`
	ETA          string `json:"eta,omitempty"`
	ATA          string `json:"ata,omitempty"`
	IsCancelled  bool   `json:"isCancelled,omitempty"`
	Length       int    `json:"length,omitempty"`
	DetachFront  bool   `json:"detachFront,omitempty"`
}

// CallingPointList groups calling points; split services carry several.
type CallingPointList struct {
	CallingPoint          []CallingPoint `json:"callingPoint" validate:"dive"`
	ServiceType           string         `json:"serviceType,omitempty"`
	ServiceChangeRequired bool           `json:"serviceChangeRequired,omitempty"`
	AssocIsCancelled      bool           `json:"assocIsCancelled,omitempty"`
}

// Train is one service row on a board.
type Train struct {
	STA                     string             `json:"sta,omitempty"`
	ETA                     string             `json:"eta,omitempty"`
	STD                     string             `json:"std,omitempty"`
	ETD                     string             `json:"etd,omitempty"`
	Origin                  []Location         `json:"origin" validate:"dive"`
	Destination             []Location         `json:"destination" validate:"dive"`
	Platform                string             `json:"platform,omitempty"`
	Operator                string             `json:"operator,omitempty"`
	OperatorCode            string             `json:"operatorCode,omitempty"`
	ServiceID               string             `json:"serviceID,omitempty"`
	ServiceType             string             `json:"serviceType,omitempty"`
	Length                  int                `json:"length,omitempty"`
	IsCancelled             bool               `json:"isCancelled"`
	IsCircularRoute         bool               `json:"isCircularRoute"`
	IsReverseFormation      bool               `json:"isReverseFormation"`
	FilterLocationCancelled bool               `json:"filterLocationCancelled"`
	FutureCancellation      bool               `json:"futureCancellation"`
	FutureDelay             bool               `json:"futureDelay"`
	DetachFront             bool               `json:"detachFront"`
	DelayReason             string             `json:"delayReason,omitempty"`
	CancelReason            string             `json:"cancelReason,omitempty"`
	RSID                    string             `json:"rsid,omitempty"`
	PreviousCallingPoints   []CallingPointList `json:"previousCallingPoints,omitempty" validate:"dive"`
	SubsequentCallingPoints []CallingPointList `json:"subsequentCallingPoints,omitempty" validate:"dive"`
}

// Board is a snapshot of every service at one station within the requested
// time window.
type Board struct {
	LocationName         string          `json:"locationName,omitempty"`
	CRS                  string          `json:"crs,omitempty"`
	GeneratedAt          string          `json:"generatedAt,omitempty"`
	PulledAt             string          `json:"pulledAt,omitempty"`
	FilterType           string          `json:"filterType,omitempty"`
	PlatformAvailable    bool            `json:"platformAvailable"`
	AreServicesAvailable bool            `json:"areServicesAvailable"`
	Trains               []Train         `json:"trainServices"`
	NRCCMessages         json.RawMessage `json:"nrccMessages,omitempty"`
}

// BoardResult is a board together with whether it was served from the cache.
type BoardResult struct {
	Board     *Board
	FromCache bool
}

// ServiceDetails describes one service as seen from the station whose board
// it was found on.
type ServiceDetails struct {
	GeneratedAt             string             `json:"generatedAt"`
	PulledAt                string             `json:"pulledAt,omitempty"`
	ServiceType             string             `json:"serviceType"`
	LocationName            string             `json:"locationName"`
	CRS                     string             `json:"crs"`
	Operator                string             `json:"operator"`
	OperatorCode            string             `json:"operatorCode"`
	RSID                    string             `json:"rsid,omitempty"`
	STA                     string             `json:"sta,omitempty"`
	ETA                     string             `json:"eta,omitempty"`
	STD                     string             `json:"std,omitempty"`
	ETD                     string             `json:"etd,omitempty"`
	Platform                string             `json:"platform,omitempty"`
	IsCancelled             bool               `json:"isCancelled"`
	CancelReason            string             `json:"cancelReason,omitempty"`
	DelayReason             string             `json:"delayReason,omitempty"`
	ServiceID               string             `json:"serviceID"`
	Origin                  []Location         `json:"origin"`
	Destination             []Location         `json:"destination"`
	PreviousCallingPoints   []CallingPointList `json:"previousCallingPoints"`
	SubsequentCallingPoints []CallingPointList `json:"subsequentCallingPoints"`
	Length                  int                `json:"length,omitempty"`
	DetachFront             bool               `json:"detachFront"`
	IsReverseFormation      bool               `json:"isReverseFormation"`
}

// NewServiceDetails builds the details of train as listed on board.
func NewServiceDetails(board *Board, train Train) *ServiceDetails {
	serviceType := train.ServiceType
	if serviceType == "" {
		serviceType = "train"
	}
	return &ServiceDetails{
		GeneratedAt:             board.GeneratedAt,
		PulledAt:                board.PulledAt,
		ServiceType:             serviceType,
		LocationName:            board.LocationName,
		CRS:                     board.CRS,
		Operator:                train.Operator,
		OperatorCode:            train.OperatorCode,
		RSID:                    train.RSID,
		STA:                     train.STA,
		ETA:                     train.ETA,
		STD:                     train.STD,
		ETD:                     train.ETD,
		Platform:                train.Platform,
		IsCancelled:             train.IsCancelled,
		CancelReason:            train.CancelReason,
		DelayReason:             train.DelayReason,
		ServiceID:               train.ServiceID,
		Origin:                  train.Origin,
		Destination:             train.Destination,
		PreviousCallingPoints:   train.PreviousCallingPoints,
		SubsequentCallingPoints: train.SubsequentCallingPoints,
		Length:                  train.Length,
		DetachFront:             train.DetachFront,
		IsReverseFormation:      train.IsReverseFormation,
	}
}
