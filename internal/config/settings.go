package config

import "strings"

// Settings is the typed view of the configuration document.
type Settings struct {
	LLM     LLM     `json:"llm"`
	ELabFTW ELabFTW `json:"elabftw"`
	Camera  Camera  `json:"camera"`
	UI      UI      `json:"ui"`
	Storage Storage `json:"storage"`
	Label   Label   `json:"label"`
}

// LLM holds vision-model settings.
type LLM struct {
	Provider       string  `json:"provider"        env:"LABASSET_LLM_PROVIDER"`
	APIKey         string  `json:"api_key"         env:"LABASSET_LLM_API_KEY"`
	Model          string  `json:"model"           env:"LABASSET_LLM_MODEL"`
	BaseURL        string  `json:"base_url"        env:"LABASSET_LLM_BASE_URL"`
	OllamaURL      string  `json:"ollama_url"      env:"OLLAMA_URL"`
	Temperature    float64 `json:"temperature"     env:"LABASSET_LLM_TEMPERATURE"`
	MaxTokens      int     `json:"max_tokens"      env:"LABASSET_LLM_MAX_TOKENS"`
	TimeoutSeconds int     `json:"timeout_seconds" env:"LABASSET_LLM_TIMEOUT_SECONDS"`
}

// ELabFTW holds inventory-system settings.
type ELabFTW struct {
	APIURL         string `json:"api_url"         env:"LABASSET_ELABFTW_API_URL"`
	APIKey         string `json:"api_key"         env:"LABASSET_ELABFTW_API_KEY"`
	VerifySSL      bool   `json:"verify_ssl"      env:"LABASSET_ELABFTW_VERIFY_SSL"`
	ViewPath       string `json:"view_path"       env:"LABASSET_ELABFTW_VIEW_PATH"`
	UploadComment  string `json:"upload_comment"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"LABASSET_ELABFTW_TIMEOUT_SECONDS"`
}

// BaseURL is the web root of the eLabFTW instance, derived from the API URL.
func (e ELabFTW) BaseURL() string {
	if idx := strings.Index(e.APIURL, "/api/"); idx >= 0 {
		return e.APIURL[:idx]
	}
	return "https://elab.local"
}

// Camera holds capture settings.
type Camera struct {
	Device       string   `json:"device"        env:"LABASSET_CAMERA_DEVICE"`
	Resolution   []int    `json:"resolution"`
	AutoFocus    bool     `json:"auto_focus"`
	CaptureDelay int      `json:"capture_delay" env:"LABASSET_CAMERA_CAPTURE_DELAY"`
	Command      []string `json:"command"`
}

// Size returns the configured resolution, falling back to 1280x720.
func (c Camera) Size() (int, int) {
	if len(c.Resolution) == 2 && c.Resolution[0] > 0 && c.Resolution[1] > 0 {
		return c.Resolution[0], c.Resolution[1]
	}
	return 1280, 720
}

// UI holds front-end settings.
type UI struct {
	Theme      string `json:"theme"`
	Language   string `json:"language"`
	ListenAddr string `json:"listen_addr" env:"LABASSET_LISTEN_ADDR"`
}

// Storage holds local paths.
type Storage struct {
	ImageDir   string `json:"image_dir"   env:"LABASSET_IMAGE_DIR"`
	QRCodeDir  string `json:"qrcode_dir"  env:"LABASSET_QRCODE_DIR"`
	LedgerPath string `json:"ledger_path" env:"LABASSET_LEDGER_PATH"`
}

// Label holds label rendering settings.
type Label struct {
	FontPath      string  `json:"font_path" env:"LABASSET_LABEL_FONT"`
	FontSize      float64 `json:"font_size"`
	CodeSize      int     `json:"code_size"`
	CaptionHeight int     `json:"caption_height"`
}

// secretKeys are masked by Redacted.
var secretKeys = []string{"llm.api_key", "elabftw.api_key"}
