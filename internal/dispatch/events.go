package dispatch

// Event names pushed to clients. These are the wire contract shared with the
// marketplace frontends; renaming any of them breaks deployed clients.
const (
	EventNewMessage      = "newMessage"
	EventNewAIMessage    = "newAIMessage"
	EventAIError         = "aiError"
	EventNewLiveChat     = "newLiveChat"
	EventLiveChatUpdated = "liveChatUpdated"
	EventLiveChatMessage = "liveChatMessage"
	EventLiveChatClosed  = "liveChatClosed"
	EventOnlineUsers     = "getOnlineUsers"
)
