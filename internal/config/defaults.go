package config

// defaultDocument is written when no configuration file exists yet.
const defaultDocument = `{
  "llm": {
    "provider": "openai",
    "api_key": "",
    "model": "gpt-4o",
    "base_url": "",
    "ollama_url": "http://localhost:11434",
    "temperature": 0.7,
    "max_tokens": 4000,
    "timeout_seconds": 120
  },
  "elabftw": {
    "api_url": "https://elab.local/api/v2",
    "api_key": "",
    "verify_ssl": false,
    "view_path": "database.php?mode=view",
    "upload_comment": "Uploaded via labasset",
    "timeout_seconds": 30
  },
  "camera": {
    "device": "/dev/video0",
    "resolution": [1280, 720],
    "auto_focus": true,
    "capture_delay": 2,
    "command": ["ffmpeg", "-hide_banner", "-loglevel", "error", "-y", "-f", "v4l2", "-video_size", "{width}x{height}", "-i", "{device}", "-frames:v", "1", "{output}"]
  },
  "ui": {
    "theme": "light",
    "language": "en_US",
    "listen_addr": ":5001"
  },
  "storage": {
    "image_dir": "images",
    "qrcode_dir": "qrcodes",
    "ledger_path": "labasset.db"
  },
  "label": {
    "font_path": "",
    "font_size": 16,
    "code_size": 256,
    "caption_height": 30
  }
}
`
