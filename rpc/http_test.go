package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"refi/core"
	"refi/core/genesis"
	"refi/crypto"
	"refi/storage"
	"refi/storage/archive"
)

const (
	testAuthToken = "test-secret"
	rayOne        = "1000000000000000000000000000"
)

type testEnv struct {
	t       *testing.T
	node    *core.Node
	server  *Server
	httpSrv *httptest.Server
	user    crypto.Address
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, ServerConfig{
		AuthToken:      testAuthToken,
		AllowedOrigins: []string{"*"},
	})
}

func newTestEnvWithConfig(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	user := crypto.MustNewAddress(bytes.Repeat([]byte{0x11}, crypto.AddressLength))
	spec := &genesis.Spec{
		GenesisTime: "2024-01-01T00:00:00Z",
		Tokens: []genesis.TokenSpec{
			{Symbol: "RFI", Name: "Refi", Decimals: 18, Native: true},
			{Symbol: "WRFI", Name: "Wrapped Refi", Decimals: 18, Wraps: "RFI"},
			{Symbol: "USD", Name: "Settlement Dollar", Decimals: 6},
			{Symbol: "CUSD", Name: "Legacy USD Receipt", Decimals: 6},
		},
		Alloc: map[string]map[string]string{
			user.String(): {"CUSD": "600"},
			crypto.ModuleAddress("migration").String(): {"USD": "25"},
		},
		Markets: []genesis.MarketSpec{
			{
				ID:            "legacy-usd",
				Underlying:    "USD",
				ReceiptToken:  "CUSD",
				RedeemRateRay: rayOne,
				Reserve:       "1000000",
				Debts:         map[string]string{user.String(): "500"},
			},
		},
		Venues: []genesis.VenueSpec{
			{
				ID:       "amm-usd",
				Token0:   "USD",
				Token1:   "WRFI",
				FeeBps:   30,
				RateRay:  rayOne,
				Reserves: map[string]string{"USD": "1000000"},
			},
		},
		Target: &genesis.TargetSpec{
			BaseToken: "USD",
			Factors: []genesis.FactorSpec{
				{Token: "WRFI", FactorBps: 8_000},
				{Token: "USD", FactorBps: 9_000},
			},
			Liquidity: "1000000",
		},
		Migration: &genesis.MigrationSpec{
			SweepRecipient:     crypto.ModuleAddress("treasury").String(),
			AcceptedCollateral: []string{"CUSD"},
			MaxPlanSteps:       4,
		},
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal genesis: %v", err)
	}
	path := filepath.Join(t.TempDir(), "genesis.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write genesis: %v", err)
	}
	node, err := core.NewNode(storage.NewMemDB(), path, false, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	server := NewServer(node, cfg)
	httpSrv := httptest.NewServer(server.Handler())
	t.Cleanup(httpSrv.Close)
	return &testEnv{t: t, node: node, server: server, httpSrv: httpSrv, user: user}
}

func marshalParam(t *testing.T, value interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

func (env *testEnv) call(token, method string, params ...interface{}) (json.RawMessage, *RPCError, int) {
	env.t.Helper()
	req := RPCRequest{JSONRPC: jsonRPCVersion, ID: 1, Method: method}
	for _, param := range params {
		req.Params = append(req.Params, marshalParam(env.t, param))
	}
	body, err := json.Marshal(req)
	if err != nil {
		env.t.Fatalf("marshal request: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, env.httpSrv.URL, bytes.NewReader(body))
	if err != nil {
		env.t.Fatalf("build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		env.t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var decoded struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		env.t.Fatalf("decode response: %v", err)
	}
	return decoded.Result, decoded.Error, resp.StatusCode
}

func (env *testEnv) planParam() map[string]interface{} {
	return map[string]interface{}{
		"initiator": env.user.String(),
		"baseToken": "USD",
		"sources": []map[string]interface{}{
			{
				"market": "legacy-usd",
				"venue":  "amm-usd",
				"method": "loan",
				"amount": map[string]string{"mode": "currentBalance"},
			},
		},
		"collateral": []map[string]interface{}{
			{
				"token":  "CUSD",
				"amount": map[string]string{"mode": "currentBalance"},
			},
		},
	}
}

func TestMigrationInfo(t *testing.T) {
	env := newTestEnv(t)
	result, rpcErr, _ := env.call("", "migration_info")
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var info struct {
		ModuleAddress      string   `json:"moduleAddress"`
		SweepRecipient     string   `json:"sweepRecipient"`
		AcceptedCollateral []string `json:"acceptedCollateral"`
		MaxPlanSteps       int      `json:"maxPlanSteps"`
		Markets            []string `json:"markets"`
		Venues             []string `json:"venues"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.ModuleAddress != crypto.ModuleAddress("migration").String() {
		t.Fatalf("unexpected module address %s", info.ModuleAddress)
	}
	if info.SweepRecipient != crypto.ModuleAddress("treasury").String() {
		t.Fatalf("unexpected sweep recipient %s", info.SweepRecipient)
	}
	if len(info.Markets) != 1 || info.Markets[0] != "legacy-usd" {
		t.Fatalf("unexpected markets %v", info.Markets)
	}
	if len(info.Venues) != 1 || info.Venues[0] != "amm-usd" {
		t.Fatalf("unexpected venues %v", info.Venues)
	}
	if info.MaxPlanSteps != 4 {
		t.Fatalf("unexpected max plan steps %d", info.MaxPlanSteps)
	}
}

func TestMigrationExecuteRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	_, rpcErr, status := env.call("", "migration_execute", env.planParam())
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", status)
	}
	if rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected code %d got %d", codeUnauthorized, rpcErr.Code)
	}

	_, rpcErr, status = env.call("wrong-token", "migration_execute", env.planParam())
	if rpcErr == nil || status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got status %d err %+v", status, rpcErr)
	}

	_, rpcErr, status = env.call("", "migration_sweep", map[string]string{"token": "USD"})
	if rpcErr == nil || status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated sweep, got status %d err %+v", status, rpcErr)
	}
	_, rpcErr, status = env.call("", "migration_preview", env.planParam())
	if rpcErr == nil || status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated preview, got status %d err %+v", status, rpcErr)
	}
}

func TestMigrationExecuteSettlesPlan(t *testing.T) {
	env := newTestEnv(t)
	result, rpcErr, _ := env.call(testAuthToken, "migration_execute", env.planParam())
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var receipt struct {
		MigrationID     string `json:"migrationId"`
		Status          string `json:"status"`
		SettlementTotal string `json:"settlementTotal"`
		Steps           []struct {
			Repaid string `json:"repaid"`
			Fee    string `json:"fee"`
			Owed   string `json:"owed"`
		} `json:"steps"`
		Collateral []struct {
			Token    string `json:"token"`
			Moved    string `json:"moved"`
			Supplied string `json:"supplied"`
		} `json:"collateral"`
	}
	if err := json.Unmarshal(result, &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.Status != "settled" {
		t.Fatalf("expected settled got %s", receipt.Status)
	}
	if receipt.MigrationID == "" {
		t.Fatalf("expected migration id")
	}
	if len(receipt.Steps) != 1 || receipt.Steps[0].Repaid != "500" || receipt.Steps[0].Fee != "2" || receipt.Steps[0].Owed != "502" {
		t.Fatalf("unexpected steps %+v", receipt.Steps)
	}
	if receipt.SettlementTotal != "502" {
		t.Fatalf("expected settlement total 502 got %s", receipt.SettlementTotal)
	}
	if len(receipt.Collateral) != 1 || receipt.Collateral[0].Moved != "600" || receipt.Collateral[0].Supplied != "600" {
		t.Fatalf("unexpected collateral %+v", receipt.Collateral)
	}

	// The old debt is gone and the target position carries the new one.
	debtRes, rpcErr, _ := env.call("", "market_getDebt", map[string]string{"id": "legacy-usd", "address": env.user.String()})
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var debt struct {
		Debt string `json:"debt"`
	}
	if err := json.Unmarshal(debtRes, &debt); err != nil {
		t.Fatalf("decode debt: %v", err)
	}
	if debt.Debt != "0" {
		t.Fatalf("expected zero debt got %s", debt.Debt)
	}

	posRes, rpcErr, _ := env.call("", "target_getPosition", map[string]string{"address": env.user.String()})
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var position struct {
		Supplied []struct {
			Token  string `json:"token"`
			Amount string `json:"amount"`
		} `json:"supplied"`
		DebtBase string `json:"debtBase"`
	}
	if err := json.Unmarshal(posRes, &position); err != nil {
		t.Fatalf("decode position: %v", err)
	}
	if position.DebtBase != "502" {
		t.Fatalf("expected target debt 502 got %s", position.DebtBase)
	}
	if len(position.Supplied) != 1 || position.Supplied[0].Token != "USD" || position.Supplied[0].Amount != "600" {
		t.Fatalf("unexpected supplied %+v", position.Supplied)
	}
}

func TestMigrationPreviewLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	result, rpcErr, _ := env.call(testAuthToken, "migration_preview", env.planParam())
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var preview struct {
		SettlementTotal string `json:"settlementTotal"`
		Steps           []struct {
			Repay string `json:"repay"`
			Owed  string `json:"owed"`
		} `json:"steps"`
	}
	if err := json.Unmarshal(result, &preview); err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if preview.SettlementTotal != "502" {
		t.Fatalf("expected settlement total 502 got %s", preview.SettlementTotal)
	}
	if len(preview.Steps) != 1 || preview.Steps[0].Repay != "500" {
		t.Fatalf("unexpected steps %+v", preview.Steps)
	}

	debtRes, rpcErr, _ := env.call("", "market_getDebt", map[string]string{"id": "legacy-usd", "address": env.user.String()})
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var debt struct {
		Debt string `json:"debt"`
	}
	if err := json.Unmarshal(debtRes, &debt); err != nil {
		t.Fatalf("decode debt: %v", err)
	}
	if debt.Debt != "500" {
		t.Fatalf("preview must not touch state, debt now %s", debt.Debt)
	}
}

func TestMigrationExecuteInvalidPlan(t *testing.T) {
	env := newTestEnv(t)
	plan := env.planParam()
	plan["sources"] = []map[string]interface{}{
		{
			"market": "legacy-usd",
			"venue":  "amm-usd",
			"method": "loan",
			"amount": map[string]string{"mode": "exact", "value": "0"},
		},
	}
	_, rpcErr, status := env.call(testAuthToken, "migration_execute", plan)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", status)
	}
	if rpcErr.Code != codeInvalidParams {
		t.Fatalf("expected code %d got %d", codeInvalidParams, rpcErr.Code)
	}
}

func TestMigrationSweepForwardsIdleBalance(t *testing.T) {
	env := newTestEnv(t)
	result, rpcErr, _ := env.call(testAuthToken, "migration_sweep", map[string]string{"token": "USD"})
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var sweep struct {
		Token string `json:"token"`
		Swept string `json:"swept"`
	}
	if err := json.Unmarshal(result, &sweep); err != nil {
		t.Fatalf("decode sweep: %v", err)
	}
	if sweep.Swept != "25" {
		t.Fatalf("expected swept 25 got %s", sweep.Swept)
	}

	balRes, rpcErr, _ := env.call("", "state_getBalance", map[string]string{
		"address": crypto.ModuleAddress("treasury").String(),
		"token":   "USD",
	})
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var balance struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(balRes, &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance.Balance != "25" {
		t.Fatalf("expected treasury balance 25 got %s", balance.Balance)
	}

	// A second sweep finds nothing to move.
	_, rpcErr, status := env.call(testAuthToken, "migration_sweep", map[string]string{"token": "USD"})
	if rpcErr == nil {
		t.Fatalf("expected error for empty sweep")
	}
	if status != http.StatusConflict {
		t.Fatalf("expected 409 got %d", status)
	}
}

func TestQueryDirectory(t *testing.T) {
	env := newTestEnv(t)

	tokensRes, rpcErr, _ := env.call("", "state_listTokens")
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var tokens []struct {
		Symbol string `json:"symbol"`
		Native bool   `json:"native"`
	}
	if err := json.Unmarshal(tokensRes, &tokens); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	if len(tokens) != 4 {
		t.Fatalf("expected 4 tokens got %d", len(tokens))
	}

	marketRes, rpcErr, _ := env.call("", "market_get", map[string]string{"id": "legacy-usd"})
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var mkt struct {
		Underlying   string `json:"underlying"`
		ReceiptToken string `json:"receiptToken"`
	}
	if err := json.Unmarshal(marketRes, &mkt); err != nil {
		t.Fatalf("decode market: %v", err)
	}
	if mkt.Underlying != "USD" || mkt.ReceiptToken != "CUSD" {
		t.Fatalf("unexpected market %+v", mkt)
	}

	_, rpcErr, status := env.call("", "market_get", map[string]string{"id": "nope"})
	if rpcErr == nil || status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown market, got status %d err %+v", status, rpcErr)
	}

	reservesRes, rpcErr, _ := env.call("", "venue_getReserves", map[string]string{"id": "amm-usd"})
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var reserves struct {
		Reserve0 string `json:"reserve0"`
		Reserve1 string `json:"reserve1"`
	}
	if err := json.Unmarshal(reservesRes, &reserves); err != nil {
		t.Fatalf("decode reserves: %v", err)
	}
	if reserves.Reserve0 != "1000000" {
		t.Fatalf("expected reserve0 1000000 got %s", reserves.Reserve0)
	}

	protoRes, rpcErr, _ := env.call("", "target_getProtocol")
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var proto struct {
		BaseToken string `json:"baseToken"`
		Factors   []struct {
			Token     string `json:"token"`
			FactorBps uint64 `json:"factorBps"`
		} `json:"factors"`
	}
	if err := json.Unmarshal(protoRes, &proto); err != nil {
		t.Fatalf("decode protocol: %v", err)
	}
	if proto.BaseToken != "USD" || len(proto.Factors) != 2 {
		t.Fatalf("unexpected protocol %+v", proto)
	}

	liqRes, rpcErr, _ := env.call("", "target_getLiquidity")
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var liquidity struct {
		Available string `json:"available"`
	}
	if err := json.Unmarshal(liqRes, &liquidity); err != nil {
		t.Fatalf("decode liquidity: %v", err)
	}
	if liquidity.Available != "1000000" {
		t.Fatalf("expected liquidity 1000000 got %s", liquidity.Available)
	}
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	_, rpcErr, status := env.call("", "migration_unknown")
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if status != http.StatusNotFound || rpcErr.Code != codeMethodNotFound {
		t.Fatalf("expected 404/%d got %d/%d", codeMethodNotFound, status, rpcErr.Code)
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	env := newTestEnvWithConfig(t, ServerConfig{
		AuthToken:       testAuthToken,
		RateLimitPerMin: 1,
		RateLimitBurst:  1,
		AllowedOrigins:  []string{"*"},
	})
	if _, rpcErr, _ := env.call("", "migration_info"); rpcErr != nil {
		t.Fatalf("first call should pass: %+v", rpcErr)
	}
	_, rpcErr, status := env.call("", "migration_info")
	if rpcErr == nil {
		t.Fatalf("expected rate limit error")
	}
	if status != http.StatusTooManyRequests || rpcErr.Code != codeRateLimited {
		t.Fatalf("expected 429/%d got %d/%d", codeRateLimited, status, rpcErr.Code)
	}
}

func TestArchiveReceiptRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	dsn, err := archive.FileDSN(filepath.Join(t.TempDir(), "receipts.db"))
	if err != nil {
		t.Fatalf("build dsn: %v", err)
	}
	store, err := archive.Open(dsn)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	exportDir := t.TempDir()
	env.node.SetArchive(store)
	env.server.SetArchive(store, exportDir)

	result, rpcErr, _ := env.call(testAuthToken, "migration_execute", env.planParam())
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var receipt struct {
		MigrationID string `json:"migrationId"`
	}
	if err := json.Unmarshal(result, &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}

	stored, rpcErr, _ := env.call("", "migration_getReceipt", map[string]string{"migrationId": receipt.MigrationID})
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var storedReceipt struct {
		MigrationID string `json:"migrationId"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(stored, &storedReceipt); err != nil {
		t.Fatalf("decode stored receipt: %v", err)
	}
	if storedReceipt.MigrationID != receipt.MigrationID || storedReceipt.Status != "settled" {
		t.Fatalf("unexpected stored receipt %+v", storedReceipt)
	}

	listRes, rpcErr, _ := env.call("", "migration_listReceipts", map[string]int{"limit": 10})
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var listed []struct {
		MigrationID string `json:"migrationId"`
	}
	if err := json.Unmarshal(listRes, &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].MigrationID != receipt.MigrationID {
		t.Fatalf("unexpected list %+v", listed)
	}

	_, rpcErr, status := env.call("", "migration_getReceipt", map[string]string{"migrationId": "missing"})
	if rpcErr == nil || status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown receipt, got status %d err %+v", status, rpcErr)
	}

	exportRes, rpcErr, _ := env.call(testAuthToken, "migration_exportReceipts")
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var exported struct {
		CSVPath     string `json:"csvPath"`
		ParquetPath string `json:"parquetPath"`
		Count       int    `json:"count"`
	}
	if err := json.Unmarshal(exportRes, &exported); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if exported.Count != 1 {
		t.Fatalf("expected one exported receipt, got %d", exported.Count)
	}
	for _, path := range []string{exported.CSVPath, exported.ParquetPath} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("missing export artefact %s: %v", path, err)
		}
	}

	if _, rpcErr, status := env.call("", "migration_exportReceipts"); rpcErr == nil || status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated export, got status %d err %+v", status, rpcErr)
	}
}

func TestArchiveMethodsDisabledWithoutStore(t *testing.T) {
	env := newTestEnv(t)
	_, rpcErr, status := env.call("", "migration_listReceipts")
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", status)
	}
}
