package i18n

import "github.com/dukerupert/manzil/internal/domain"

// arabic holds the Arabic rendering of every catalog key. Argument order
// follows the English key.
var arabic = map[string]string{
	domain.MsgInternal:           "حدث خطأ غير متوقع. يرجى المحاولة مرة أخرى.",
	domain.MsgValidation:         "يرجى تصحيح الحقول المحددة.",
	domain.MsgResourceNotFound:   "%[1]s %[2]s غير موجود",
	domain.MsgEmptyOrder:         "يجب أن يحتوي الطلب على منتج واحد على الأقل",
	domain.MsgProductNotFound:    "المنتج %s غير موجود",
	domain.MsgInsufficientStock:  "متبقٍ %[1]d فقط من %[2]s في المخزون",
	domain.MsgOrderNotFound:      "الطلب غير موجود",
	domain.MsgPaymentNotVerified: "تعذر التحقق من الدفع",
	domain.MsgPaymentAmount:      "مبلغ الدفع لا يطابق إجمالي الطلب",
	domain.MsgPaymentReplayed:    "تم استخدام هذا الدفع لطلب آخر بالفعل",
	domain.MsgUnknownStatus:      "حالة الطلب %q غير معروفة",
	domain.MsgIllegalTransition:  "لا يمكن تغيير حالة الطلب من %[1]s إلى %[2]s",
	domain.MsgForbidden:          "ليس لديك صلاحية لتنفيذ هذا الإجراء",
	domain.MsgUnauthorized:       "يرجى تسجيل الدخول للمتابعة",
	domain.MsgInvalidCredentials: "البريد الإلكتروني أو كلمة المرور غير صحيحة",
	domain.MsgTooManyRequests:    "طلبات كثيرة جدًا. يرجى التمهل.",
	domain.MsgRequestTooLarge:    "حجم الطلب كبير جدًا",
}
