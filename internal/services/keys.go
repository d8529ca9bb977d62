package services

const (
	KeyPlayerLedger    = "plinko:player_ledger"
	KeySessionBookmark = "plinko:session_bookmark:%s"
)
